package bitcoind

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/peerbits/tradehub/chain"
	"github.com/peerbits/tradehub/logger"
)

// BitcoindService drives the on-chain wallet through bitcoind's JSON-RPC
// interface.
type BitcoindService struct {
	rpcUrl            string
	rpcUser           string
	rpcPassword       string
	feeEstimateTarget int
	client            *http.Client
}

func NewBitcoindService(rpcUrl string, rpcUser string, rpcPassword string, feeEstimateTarget int) (*BitcoindService, error) {
	if rpcUrl == "" {
		return nil, errors.New("no bitcoind RPC URL configured")
	}
	if feeEstimateTarget < 1 {
		feeEstimateTarget = 2
	}
	return &BitcoindService{
		rpcUrl:            rpcUrl,
		rpcUser:           rpcUser,
		rpcPassword:       rpcPassword,
		feeEstimateTarget: feeEstimateTarget,
		client:            &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// EstimateFeeRate returns the node's fee estimate in sat/vB for the
// configured confirmation target.
func (svc *BitcoindService) EstimateFeeRate(ctx context.Context) (float64, error) {
	result := struct {
		FeeRate float64  `json:"feerate"`
		Errors  []string `json:"errors"`
	}{}
	err := svc.call(ctx, "estimatesmartfee", []interface{}{svc.feeEstimateTarget}, &result)
	if err != nil {
		return 0, err
	}
	if result.FeeRate == 0 {
		return 0, fmt.Errorf("node returned no fee estimate: %v", result.Errors)
	}

	// estimatesmartfee reports BTC/kvB
	return result.FeeRate * 1e8 / 1000, nil
}

// SendToAddress broadcasts a payout at the given fee rate. RPC rejections
// are returned as BroadcastRejectedError so callers can surface them.
func (svc *BitcoindService) SendToAddress(ctx context.Context, address string, amountSat uint64, feeRateSatPerVByte float64) (string, error) {
	amountBtc := float64(amountSat) / 1e8
	params := []interface{}{
		address,
		math.Round(amountBtc*1e8) / 1e8,
		"",    // comment
		"",    // comment_to
		false, // subtractfeefromamount
		true,  // replaceable
		nil,   // conf_target
		"unset",
		nil, // avoid_reuse
		feeRateSatPerVByte,
	}

	var txId string
	err := svc.call(ctx, "sendtoaddress", params, &txId)
	if err != nil {
		logger.Logger.Error().Err(err).
			Str("address", address).
			Uint64("amount_sat", amountSat).
			Msg("bitcoind rejected payout transaction")
		return "", chain.NewBroadcastRejectedError(err.Error())
	}
	return txId, nil
}

type rpcRequest struct {
	JsonRpc string        `json:"jsonrpc"`
	Id      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (err *rpcError) Error() string {
	return fmt.Sprintf("bitcoind RPC error %d: %s", err.Code, err.Message)
}

func (svc *BitcoindService) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(&rpcRequest{
		JsonRpc: "1.0",
		Id:      "tradehub",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.rpcUrl, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(svc.rpcUser, svc.rpcPassword)
	req.Header.Set("Content-Type", "application/json")

	resp, err := svc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	response := struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}{}
	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return err
	}
	if response.Error != nil {
		return response.Error
	}
	if out != nil {
		return json.Unmarshal(response.Result, out)
	}
	return nil
}
