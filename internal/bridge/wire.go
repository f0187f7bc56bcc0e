package bridge

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/ggonzalez94/agent-funding/internal/model"
)

const (
	quoteDone   = "QUOTE_DONE"
	quoteFailed = "QUOTE_FAILED"
)

type refillRequirementsRequest struct {
	BridgeRequests []model.BridgeRequest `json:"bridge_requests"`
	ForceUpdate    bool                  `json:"force_update"`
}

// looseString accepts a JSON string, number or object and keeps its text.
type looseString string

func (s *looseString) UnmarshalJSON(buf []byte) error {
	buf = bytes.TrimSpace(buf)
	if len(buf) == 0 || bytes.Equal(buf, []byte("null")) {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(buf, &str); err == nil {
		*s = looseString(str)
		return nil
	}
	*s = looseString(strings.TrimSpace(string(buf)))
	return nil
}

type quoteLegWire struct {
	Status   string      `json:"status"`
	ETA      int64       `json:"eta"`
	Message  string      `json:"message"`
	Provider string      `json:"provider"`
	Fee      looseString `json:"fee"`
	ToAmount looseString `json:"to_amount"`
}

type refillRequirementsResponse struct {
	ID                       string                                       `json:"id"`
	IsRefillRequired         bool                                         `json:"is_refill_required"`
	BridgeRefillRequirements map[string]map[string]map[string]looseString `json:"bridge_refill_requirements"`
	BridgeTotalRequirements  map[string]map[string]map[string]looseString `json:"bridge_total_requirements"`
	BridgeRequestStatus      []quoteLegWire                               `json:"bridge_request_status"`
	ExpirationTimestamp      int64                                        `json:"expiration_timestamp"`
	Error                    bool                                         `json:"error"`
}

type executeRequest struct {
	ID string `json:"id"`
}

type legWire struct {
	Status       string `json:"status"`
	TxHash       string `json:"tx_hash"`
	ExplorerLink string `json:"explorer_link"`
	Message      string `json:"message"`
}

type statusResponse struct {
	ID                  string    `json:"id"`
	Status              string    `json:"status"`
	BridgeRequestStatus []legWire `json:"bridge_request_status"`
}

// Observation is one backend report on an execution.
type Observation struct {
	ID       string
	Reported model.ExecutionStatus
	Legs     []model.LegState
}

func (r statusResponse) observation() Observation {
	obs := Observation{ID: r.ID, Reported: model.ExecutionStatus(strings.ToUpper(strings.TrimSpace(r.Status)))}
	obs.Legs = make([]model.LegState, 0, len(r.BridgeRequestStatus))
	for _, leg := range r.BridgeRequestStatus {
		obs.Legs = append(obs.Legs, model.LegState{
			Status:       model.LegStatus(strings.ToUpper(strings.TrimSpace(leg.Status))),
			TxHash:       leg.TxHash,
			ExplorerLink: leg.ExplorerLink,
			Message:      leg.Message,
		})
	}
	return obs
}

func plainAmounts(in map[string]map[string]map[string]looseString) map[string]map[string]map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := map[string]map[string]map[string]string{}
	for chain, holders := range in {
		out[chain] = map[string]map[string]string{}
		for holder, tokens := range holders {
			out[chain][holder] = map[string]string{}
			for token, amount := range tokens {
				out[chain][holder][token] = string(amount)
			}
		}
	}
	return out
}
