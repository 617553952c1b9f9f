package http

type ErrorResponse struct {
	Message string `json:"message"`
}

type TakeOrderRequest struct {
	TakerId  uint `json:"takerId"`
	Bondless bool `json:"bondless"`
}

type DisputeOrderRequest struct {
	Reason string `json:"reason"`
}

type ExtendOrderRequest struct {
	ExtensionSeconds uint32 `json:"extensionSeconds"`
}

type BroadcastSwapRequest struct {
	MiningFeeRate float64 `json:"miningFeeRate"`
}

type InfoResponse struct {
	Version    string `json:"version"`
	NodePubkey string `json:"nodePubkey"`
}
