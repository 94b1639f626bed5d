package hyperliquid

import "encoding/json"

// assetMeta is one entry of the venue universe: native size decimals and the
// advertised leverage cap for the instrument.
type assetMeta struct {
	Name        string `json:"name"`
	SzDecimals  int32  `json:"szDecimals"`
	MaxLeverage int64  `json:"maxLeverage"`
}

type metaResponse struct {
	Universe []assetMeta `json:"universe"`
}

// wire shapes for the exchange endpoint.

type limitType struct {
	Tif string `json:"tif"`
}

type triggerType struct {
	IsMarket  bool   `json:"isMarket"`
	TriggerPx string `json:"triggerPx"`
	Tpsl      string `json:"tpsl"`
}

type orderKind struct {
	Limit   *limitType   `json:"limit,omitempty"`
	Trigger *triggerType `json:"trigger,omitempty"`
}

type wireOrder struct {
	Asset      int       `json:"a"`
	IsBuy      bool      `json:"b"`
	LimitPx    string    `json:"p"`
	Size       string    `json:"s"`
	ReduceOnly bool      `json:"r"`
	Kind       orderKind `json:"t"`
	Cloid      string    `json:"c,omitempty"`
}

type orderAction struct {
	Type     string      `json:"type"`
	Orders   []wireOrder `json:"orders"`
	Grouping string      `json:"grouping"`
}

type cancelAction struct {
	Type    string       `json:"type"`
	Cancels []wireCancel `json:"cancels"`
}

type wireCancel struct {
	Asset int   `json:"a"`
	Oid   int64 `json:"o"`
}

type leverageAction struct {
	Type     string `json:"type"`
	Asset    int    `json:"asset"`
	IsCross  bool   `json:"isCross"`
	Leverage int    `json:"leverage"`
}

type exchangeRequest struct {
	Action    json.RawMessage `json:"action"`
	Nonce     int64           `json:"nonce"`
	Signature rsvSignature    `json:"signature"`
}

type rsvSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

type orderStatus struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		Oid     int64  `json:"oid"`
		AvgPx   string `json:"avgPx"`
		TotalSz string `json:"totalSz"`
	} `json:"filled,omitempty"`
	Error string `json:"error,omitempty"`
}

type exchangeResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []orderStatus `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

// wire shapes for the info endpoint.

type infoRequest struct {
	Type      string `json:"type"`
	User      string `json:"user,omitempty"`
	StartTime int64  `json:"startTime,omitempty"`
	EndTime   int64  `json:"endTime,omitempty"`
}

type wireFill struct {
	Coin      string `json:"coin"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	Time      int64  `json:"time"`
	Fee       string `json:"fee"`
	ClosedPnl string `json:"closedPnl"`
	Cloid     string `json:"cloid"`
}

type clearinghouseState struct {
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
	AssetPositions []struct {
		Position struct {
			Coin           string  `json:"coin"`
			Szi            string  `json:"szi"`
			PositionValue  string  `json:"positionValue"`
			EntryPx        string  `json:"entryPx"`
			LiquidationPx  *string `json:"liquidationPx"`
			MarkPx         string  `json:"markPx"`
		} `json:"position"`
	} `json:"assetPositions"`
}
