package regtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// requester is the subset of *rpcclient.Client used by the gateway. Every
// call goes through RawRequest so that bitcoind-only methods (descriptor
// wallets, bumpfee, scantxoutset) share one code path.
type requester interface {
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
}

// dialer opens a connection and returns it with its shutdown function.
type dialer func(cc *rpcclient.ConnConfig) (requester, func(), error)

func dialRPC(cc *rpcclient.ConnConfig) (requester, func(), error) {
	client, err := rpcclient.New(cc, nil)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Shutdown, nil
}

// maxConsecutiveFailures is the number of back-to-back transport failures
// after which the breaker opens.
const maxConsecutiveFailures = 5

// newCircuitBreaker returns a breaker that trips on transport failures only.
// Errors reported by the node itself prove that the node is reachable and
// are counted as successes.
func newCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			var rpcErr *btcjson.RPCError
			return err == nil || errors.As(err, &rpcErr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{
				"node": name,
				"from": from.String(),
				"to":   to.String(),
			}).Warn("rpc circuit breaker changed state")
		},
	})
}

// call sends method with positional args over req and decodes the result
// into result, which may be nil.
func (rt *Regtest) call(req requester, method string, result interface{},
	args ...interface{}) error {

	params, err := marshalParams(args)
	if err != nil {
		return fmt.Errorf("%s: marshal params: %w", method, err)
	}

	rt.limiter.Take()
	start := time.Now()
	raw, err := rt.breaker.Execute(func() (interface{}, error) {
		return req.RawRequest(method, params)
	})
	rt.metrics.observe(method, err, time.Since(start))
	if err != nil {
		return wrapRPCError(method, err)
	}

	if result == nil {
		return nil
	}
	data, _ := raw.(json.RawMessage)
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// marshalParams encodes positional arguments. Amounts are written as plain
// JSON numbers with eight decimals.
func marshalParams(args []interface{}) ([]json.RawMessage, error) {
	params := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		switch v := arg.(type) {
		case json.RawMessage:
			params = append(params, v)
		case decimal.Decimal:
			params = append(params, amountJSON(v))
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			params = append(params, b)
		}
	}
	return params, nil
}

func amountJSON(amount decimal.Decimal) json.RawMessage {
	return json.RawMessage(amount.StringFixed(8))
}

// Amounts maps addresses to amounts, as taken by sendmany. It marshals
// amounts as JSON numbers.
type Amounts map[string]decimal.Decimal

// MarshalJSON implements json.Marshaler.
func (a Amounts) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(a))
	for addr, amount := range a {
		out[addr] = amountJSON(amount)
	}
	return json.Marshal(out)
}

func wrapRPCError(method string, err error) error {
	var nodeErr *btcjson.RPCError
	if errors.As(err, &nodeErr) {
		return &RPCError{
			Method:  method,
			Code:    int(nodeErr.Code),
			Message: nodeErr.Message,
			err:     err,
		}
	}
	return fmt.Errorf("%s: %w", method, err)
}
