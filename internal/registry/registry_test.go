package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// fakeRPC answers getSlot and getClusterNodes, accepting single and batch requests.
func fakeRPC(t *testing.T, slot uint64, nodes []Node) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		body = bytes.TrimSpace(body)

		var reqs []rpcRequest
		batch := len(body) > 0 && body[0] == '['
		if batch {
			if err := json.Unmarshal(body, &reqs); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		} else {
			var req rpcRequest
			if err := json.Unmarshal(body, &req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			reqs = []rpcRequest{req}
		}

		var replies []map[string]any
		for _, req := range reqs {
			reply := map[string]any{"jsonrpc": "2.0", "id": req.ID}
			switch req.Method {
			case "getSlot":
				reply["result"] = slot
			case "getClusterNodes":
				reply["result"] = nodes
			default:
				reply["error"] = map[string]any{"code": -32601, "message": "method not found"}
			}
			replies = append(replies, reply)
		}

		w.Header().Set("Content-Type", "application/json")
		if batch {
			json.NewEncoder(w).Encode(replies)
			return
		}
		json.NewEncoder(w).Encode(replies[0])
	}))
}

func strp(s string) *string { return &s }

func TestRPCDirectory(t *testing.T) {
	nodes := []Node{
		{Pubkey: "A", Gossip: strp("10.0.0.1:8001"), RPC: strp("10.0.0.1:8899"), Version: strp("1.18.22")},
		{Pubkey: "B", Gossip: strp("10.0.0.2:8001")},
	}
	srv := fakeRPC(t, 123456, nodes)
	defer srv.Close()

	dir := NewRPCDirectory(srv.URL, 5*time.Second)
	defer dir.Close()

	ctx := context.Background()
	slot, err := dir.Slot(ctx)
	if err != nil {
		t.Fatalf("Slot failed: %v", err)
	}
	if slot != 123456 {
		t.Errorf("slot = %d, want 123456", slot)
	}

	got, err := dir.ClusterNodes(ctx)
	if err != nil {
		t.Fatalf("ClusterNodes failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d nodes, want 2", len(got))
	}
	if got[0].RPC == nil || *got[0].RPC != "10.0.0.1:8899" {
		t.Errorf("node A rpc = %v", got[0].RPC)
	}
	if got[1].RPC != nil {
		t.Errorf("node B rpc should be null, got %v", *got[1].RPC)
	}
}

func TestRPCDirectoryUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	dir := NewRPCDirectory(url, time.Second)
	defer dir.Close()

	if _, err := dir.Slot(context.Background()); err == nil {
		t.Fatal("expected error from closed server")
	}
}

func TestCandidates(t *testing.T) {
	nodes := []Node{
		{Pubkey: "A", Gossip: strp("10.0.0.1:8001"), RPC: strp("10.0.0.1:8899"), Version: strp("1.18.22")},
		{Pubkey: "A2", Gossip: strp("10.0.0.1:8001"), RPC: strp("10.0.0.1:8899")},
		{Pubkey: "B", Gossip: strp("10.0.0.2:8001"), Version: strp("1.17.0")},
		{Pubkey: "C"},
		{Pubkey: "D", Gossip: strp("garbage")},
	}

	public := Candidates(nodes, false, 8899)
	if len(public) != 1 {
		t.Fatalf("public candidates = %+v, want 1", public)
	}
	if public[0].Address != "10.0.0.1:8899" || public[0].Private {
		t.Errorf("unexpected candidate %+v", public[0])
	}

	all := Candidates(nodes, true, 8899)
	if len(all) != 2 {
		t.Fatalf("candidates with private = %+v, want 2", all)
	}
	if all[1].Address != "10.0.0.2:8899" || !all[1].Private || all[1].Version != "1.17.0" {
		t.Errorf("unexpected private candidate %+v", all[1])
	}
}

func TestCandidatesPublicWinsOverDerived(t *testing.T) {
	nodes := []Node{
		{Pubkey: "P", Gossip: strp("10.0.0.3:8001")},
		{Pubkey: "Q", Gossip: strp("10.0.0.9:8001"), RPC: strp("10.0.0.3:8899"), Version: strp("2.0.1")},
	}
	got := Candidates(nodes, true, 8899)
	if len(got) != 1 {
		t.Fatalf("got %+v, want one candidate", got)
	}
	if got[0].Private || got[0].Version != "2.0.1" {
		t.Errorf("advertised address should win, got %+v", got[0])
	}
}
