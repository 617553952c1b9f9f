package lnd

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/peerbits/tradehub/lnclient"
	"github.com/peerbits/tradehub/logger"
)

const sendPaymentTimeoutSeconds = 50

// LNDService talks to an LND node over its REST API. Streamed payment
// results arrive as line-delimited JSON.
type LNDService struct {
	address     string
	macaroonHex string
	client      *http.Client
	pubkey      string
}

func NewLNDService(ctx context.Context, address string, macaroonHex string) (*LNDService, error) {
	if address == "" {
		return nil, errors.New("no LND address configured")
	}

	svc := &LNDService{
		address:     address,
		macaroonHex: macaroonHex,
		client: &http.Client{
			Transport: &http.Transport{
				// LND serves its REST API over a self-signed certificate
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}

	info := struct {
		IdentityPubkey string `json:"identity_pubkey"`
	}{}
	err := svc.get(ctx, "/v1/getinfo", &info)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to connect to LND")
		return nil, err
	}
	svc.pubkey = info.IdentityPubkey

	logger.Logger.Info().
		Str("pubkey", svc.pubkey).
		Msg("Connected to LND")
	return svc, nil
}

func (svc *LNDService) GetPubkey() string {
	return svc.pubkey
}

type sendPaymentUpdate struct {
	Status          string `json:"status"`
	PaymentPreimage string `json:"payment_preimage"`
	FeeMsat         string `json:"fee_msat"`
	FailureReason   string `json:"failure_reason"`
}

func (svc *LNDService) PayInvoice(ctx context.Context, payReq string, amountMsat uint64, feeLimitMsat uint64) (*lnclient.PayInvoiceResponse, error) {
	sendRequest := map[string]interface{}{
		"payment_request": payReq,
		"timeout_seconds": sendPaymentTimeoutSeconds,
		"fee_limit_msat":  fmt.Sprintf("%d", feeLimitMsat),
	}
	if amountMsat > 0 {
		sendRequest["amt_msat"] = fmt.Sprintf("%d", amountMsat)
	}

	body, err := json.Marshal(sendRequest)
	if err != nil {
		return nil, err
	}

	req, err := svc.newRequest(ctx, http.MethodPost, "/v2/router/send", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	resp, err := svc.client.Do(req)
	if err != nil {
		logger.Logger.Error().Err(err).Str("bolt11", payReq).Msg("SendPayment request failed")
		return nil, lnclient.NewPaymentError(lnclient.FailureReasonNonRecoverableError, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, lnclient.NewPaymentError(lnclient.FailureReasonNonRecoverableError, fmt.Sprintf("unexpected status %d from router/send", resp.StatusCode))
	}

	update, err := readFinalPaymentUpdate(resp.Body)
	if err != nil {
		logger.Logger.Error().Err(err).Str("bolt11", payReq).Msg("Couldn't read result from payment stream")
		return nil, lnclient.NewPaymentError(lnclient.FailureReasonNonRecoverableError, err.Error())
	}

	if update.Status != "SUCCEEDED" {
		reason := mapFailureReason(update.FailureReason)
		logger.Logger.Error().
			Str("bolt11", payReq).
			Str("reason", update.FailureReason).
			Msg("Payment not successful")
		return nil, lnclient.NewPaymentError(reason, update.FailureReason)
	}

	if update.PaymentPreimage == "" {
		logger.Logger.Error().Str("bolt11", payReq).Msg("No payment preimage in response")
		return nil, lnclient.NewPaymentError(lnclient.FailureReasonNonRecoverableError, "no preimage in response")
	}

	var feeMsat uint64
	fmt.Sscanf(update.FeeMsat, "%d", &feeMsat)

	return &lnclient.PayInvoiceResponse{
		Preimage: update.PaymentPreimage,
		FeeMsat:  feeMsat,
	}, nil
}

// readFinalPaymentUpdate consumes the streamed updates until the payment
// leaves IN_FLIGHT.
func readFinalPaymentUpdate(body io.Reader) (*sendPaymentUpdate, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		envelope := struct {
			Result *sendPaymentUpdate `json:"result"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		}{}
		if err := json.Unmarshal(line, &envelope); err != nil {
			return nil, err
		}
		if envelope.Error != nil {
			return nil, errors.New(envelope.Error.Message)
		}
		if envelope.Result == nil {
			continue
		}
		if envelope.Result.Status != "IN_FLIGHT" {
			return envelope.Result, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("payment stream ended without a final status")
}

func mapFailureReason(reason string) lnclient.FailureReason {
	switch reason {
	case "FAILURE_REASON_TIMEOUT":
		return lnclient.FailureReasonRoutesExhaustedTimeout
	case "FAILURE_REASON_NO_ROUTE":
		return lnclient.FailureReasonRoutesExhaustedPermanent
	case "FAILURE_REASON_INCORRECT_PAYMENT_DETAILS":
		return lnclient.FailureReasonInvalidPaymentDetails
	case "FAILURE_REASON_INSUFFICIENT_BALANCE":
		return lnclient.FailureReasonInsufficientNodeBalance
	}
	return lnclient.FailureReasonNonRecoverableError
}

// TrackPayment looks up an invoice held by the node. The payments service
// polls it until the inbound escrow settles.
func (svc *LNDService) TrackPayment(ctx context.Context, paymentHash string) (*lnclient.PaymentTrackingInfo, error) {
	invoice := struct {
		State       string `json:"state"`
		RPreimage   string `json:"r_preimage"`
		AmtPaidMsat string `json:"amt_paid_msat"`
	}{}
	err := svc.get(ctx, "/v1/invoice/"+paymentHash, &invoice)
	if err != nil {
		return nil, err
	}

	info := &lnclient.PaymentTrackingInfo{
		State: lnclient.PAYMENT_TRACK_STATE_PENDING,
	}
	switch invoice.State {
	case "SETTLED":
		info.State = lnclient.PAYMENT_TRACK_STATE_SETTLED
		preimageBytes, err := base64.StdEncoding.DecodeString(invoice.RPreimage)
		if err == nil {
			info.Preimage = hex.EncodeToString(preimageBytes)
		}
	case "CANCELED":
		info.State = lnclient.PAYMENT_TRACK_STATE_FAILED
		info.FailureReason = lnclient.FailureReasonRoutesExhaustedTimeout
	}
	return info, nil
}

func (svc *LNDService) MakeInvoice(ctx context.Context, amountMsat uint64, description string, expiry int64) (*lnclient.Transaction, error) {
	request := map[string]interface{}{
		"value_msat": fmt.Sprintf("%d", amountMsat),
		"memo":       description,
	}
	if expiry > 0 {
		request["expiry"] = fmt.Sprintf("%d", expiry)
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	response := struct {
		RHash          string `json:"r_hash"`
		PaymentRequest string `json:"payment_request"`
	}{}
	err = svc.post(ctx, "/v1/invoices", bytes.NewReader(body), &response)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to create invoice")
		return nil, err
	}

	hashBytes, err := base64.StdEncoding.DecodeString(response.RHash)
	if err != nil {
		return nil, err
	}

	transaction := &lnclient.Transaction{
		Invoice:     response.PaymentRequest,
		PaymentHash: hex.EncodeToString(hashBytes),
		AmountMsat:  amountMsat,
	}
	if expiry > 0 {
		expiresAt := time.Now().Add(time.Duration(expiry) * time.Second).Unix()
		transaction.ExpiresAt = &expiresAt
	}
	return transaction, nil
}

func (svc *LNDService) newRequest(ctx context.Context, method string, path string, body *bytes.Reader) (*http.Request, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, svc.address+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, svc.address+path, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Grpc-Metadata-macaroon", svc.macaroonHex)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (svc *LNDService) get(ctx context.Context, path string, out interface{}) error {
	req, err := svc.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return svc.do(req, out)
}

func (svc *LNDService) post(ctx context.Context, path string, body *bytes.Reader, out interface{}) error {
	req, err := svc.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return svc.do(req, out)
}

func (svc *LNDService) do(req *http.Request, out interface{}) error {
	resp, err := svc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errResponse := struct {
			Message string `json:"message"`
		}{}
		_ = json.NewDecoder(resp.Body).Decode(&errResponse)
		if errResponse.Message != "" {
			return errors.New(errResponse.Message)
		}
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
