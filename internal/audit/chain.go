package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoChainHead is returned for a cluster with no linked acquisition yet.
	ErrNoChainHead = errors.New("no chain head found")
	// ErrChainDiverged is returned when an event was linked onto a head that
	// has since moved.
	ErrChainDiverged = errors.New("event does not extend the chain head")
)

const headsFile = "chain-heads.json"

// Head is the last acquisition recorded in a cluster's chain.
type Head struct {
	EventID       string    `json:"event_id"`
	EventHash     string    `json:"event_hash"`
	Sequence      uint64    `json:"sequence"`
	ReferenceSlot uint64    `json:"reference_slot"`
	LinkedAt      time.Time `json:"linked_at"`
}

// HashEvent returns the "sha256:" digest of evt's JSON form with its own
// event hash left blank.
func HashEvent(evt Event) (string, error) {
	evt.Chain.EventHash = ""
	canonical, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// HeadStore keeps one chain head per cluster in a JSON file.
type HeadStore struct {
	mu    sync.Mutex
	path  string
	heads map[string]Head
}

// OpenHeadStore loads the heads saved in dir, creating dir when needed.
func OpenHeadStore(dir string) (*HeadStore, error) {
	if dir == "" {
		dir = "./audit"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	s := &HeadStore{path: filepath.Join(dir, headsFile), heads: make(map[string]Head)}
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &s.heads); err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
	}
	return s, nil
}

// Head returns the current head of cluster's chain.
func (s *HeadStore) Head(cluster string) (Head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.heads[cluster]
	if !ok {
		return Head{}, ErrNoChainHead
	}
	return h, nil
}

// Link stamps evt and chains it after its cluster's head. The head does not
// move until Advance.
func (s *HeadStore) Link(evt *Event) error {
	head, err := s.Head(evt.Acquisition.Cluster)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return err
	}

	evt.Version = eventVersion
	evt.EventType = eventType
	evt.EventID = "acq_evt_" + uuid.NewString()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Chain.PrevEventHash = head.EventHash
	evt.Chain.Sequence = head.Sequence + 1

	hash, err := HashEvent(*evt)
	if err != nil {
		return err
	}
	evt.Chain.EventHash = hash
	return nil
}

// Advance makes evt the head of its cluster's chain and saves the heads.
func (s *HeadStore) Advance(evt *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cluster := evt.Acquisition.Cluster
	if cur := s.heads[cluster]; cur.EventHash != evt.Chain.PrevEventHash {
		return fmt.Errorf("%w: %s links to %q, head is %q", ErrChainDiverged, evt.EventID, evt.Chain.PrevEventHash, cur.EventHash)
	}

	s.heads[cluster] = Head{
		EventID:       evt.EventID,
		EventHash:     evt.Chain.EventHash,
		Sequence:      evt.Chain.Sequence,
		ReferenceSlot: evt.Acquisition.ReferenceSlot,
		LinkedAt:      evt.Timestamp,
	}
	return s.save()
}

func (s *HeadStore) save() error {
	data, err := json.MarshalIndent(s.heads, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chain heads: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), headsFile+".*")
	if err != nil {
		return fmt.Errorf("create temp heads file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write chain heads: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close chain heads: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace chain heads: %w", err)
	}
	return nil
}
