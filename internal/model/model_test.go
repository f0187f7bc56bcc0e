package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSafeMemoryMergeNeverRegresses(t *testing.T) {
	prev := SafeMemory{
		Chain:         "gnosis",
		IsSafeCreated: true,
		CreateTx:      "0xabc",
		Transfers:     map[string]TransferStatus{"0x01": TransferFinish, "0x02": TransferError},
	}
	next := SafeMemory{
		Chain:     "gnosis",
		CreateTx:  "0xdef",
		Transfers: map[string]TransferStatus{"0x01": TransferError, "0x02": TransferFinish, "0x03": TransferWait},
		UpdatedAt: time.Unix(10, 0),
	}
	merged := prev.Merge(next)
	if !merged.IsSafeCreated || merged.CreateTx != "0xabc" {
		t.Fatalf("creation regressed: %+v", merged)
	}
	if merged.Transfers["0x01"] != TransferFinish || merged.Transfers["0x02"] != TransferFinish || merged.Transfers["0x03"] != TransferWait {
		t.Fatalf("unexpected transfers: %+v", merged.Transfers)
	}
	if got := merged.Pending(); len(got) != 1 || got[0] != "0x03" {
		t.Fatalf("unexpected pending: %v", got)
	}
	if !merged.UpdatedAt.Equal(time.Unix(10, 0)) {
		t.Fatalf("expected newer timestamp, got %s", merged.UpdatedAt)
	}
}

func TestTxHashesAcceptsStringOrList(t *testing.T) {
	var res SafeCreationResult
	raw := `{"status":"SAFE_CREATED","transfer_txs":{"0x01":"0xaa","0x02":["0xbb","0xcc"],"0x03":""}}`
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(res.TransferTxs["0x01"]) != 1 || res.TransferTxs["0x01"][0] != "0xaa" {
		t.Fatalf("unexpected single hash: %v", res.TransferTxs["0x01"])
	}
	if len(res.TransferTxs["0x02"]) != 2 {
		t.Fatalf("unexpected list: %v", res.TransferTxs["0x02"])
	}
	if len(res.TransferTxs["0x03"]) != 0 {
		t.Fatalf("expected empty hash to decode as none: %v", res.TransferTxs["0x03"])
	}
}

func TestServiceStateText(t *testing.T) {
	buf, err := json.Marshal(StakedPosition{ServiceState: ServiceStateDeployed})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var back StakedPosition
	if err := json.Unmarshal(buf, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back.ServiceState != ServiceStateDeployed {
		t.Fatalf("expected deployed, got %s", back.ServiceState)
	}
	var s ServiceState
	if err := s.UnmarshalText([]byte("retired")); err == nil {
		t.Fatal("expected unknown state error")
	}
}

func TestExecutionStateHelpers(t *testing.T) {
	s := BridgeExecutionState{Status: ExecutionError, Legs: []LegState{{Status: LegDone}, {Status: LegFailed}}}
	if !s.Terminal() {
		t.Fatal("expected terminal")
	}
	if got := s.FailedLegs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected failed legs: %v", got)
	}
	if LegPending.Terminal() {
		t.Fatal("pending leg is not terminal")
	}
}
