package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/foreman/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAgents  = []byte("agents")
	bucketTeams   = []byte("teams")
	bucketEvents  = []byte("events")
	bucketBudgets = []byte("budgets")
)

// DefaultReplayCapacity is the ring buffer size applied when a BoltStore is
// opened with capacity <= 0 (spec.md §4.4's default R).
const DefaultReplayCapacity = 10000

// BoltStore implements Store on an embedded go.etcd.io/bbolt database,
// grounded on the teacher's bucket-per-entity pattern in pkg/storage/boltdb.go,
// retargeted from nodes/services/containers onto agents/teams/events/budgets.
type BoltStore struct {
	db       *bolt.DB
	capacity int
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
// capacity bounds the events bucket; 0 selects DefaultReplayCapacity.
func NewBoltStore(dataDir string, capacity int) (*BoltStore, error) {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}

	dbPath := filepath.Join(dataDir, "foreman.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketAgents, bucketTeams, bucketEvents, bucketBudgets} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, capacity: capacity}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// putAgent writes an agent row within an existing transaction.
func putAgent(tx *bolt.Tx, agent *types.Agent) error {
	b := tx.Bucket(bucketAgents)
	data, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	return b.Put([]byte(agent.ID), data)
}

// appendEvent assigns a seq via the bucket's auto-incrementing sequence,
// writes it, and trims the oldest entries past capacity (ring buffer
// eviction per spec.md §4.4).
func (s *BoltStore) appendEvent(tx *bolt.Tx, event *types.Event) error {
	b := tx.Bucket(bucketEvents)

	seq := event.Seq
	if seq == 0 {
		next, err := b.NextSequence()
		if err != nil {
			return err
		}
		seq = next
		event.Seq = seq
	} else if seq > b.Sequence() {
		if err := b.SetSequence(seq); err != nil {
			return err
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.Put(seqKey(seq), data); err != nil {
		return err
	}

	return evictOldest(b, s.capacity)
}

// evictOldest deletes entries from the front of an ordered bucket until its
// count is at or below capacity.
func evictOldest(b *bolt.Bucket, capacity int) error {
	count := b.Stats().KeyN
	if count <= capacity {
		return nil
	}
	c := b.Cursor()
	toDelete := count - capacity
	for i := 0; i < toDelete; i++ {
		k, _ := c.First()
		if k == nil {
			break
		}
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) Transition(_ context.Context, agent *types.Agent, event *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putAgent(tx, agent); err != nil {
			return err
		}
		return s.appendEvent(tx, event)
	})
}

func (s *BoltStore) CreateAgent(_ context.Context, agent *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putAgent(tx, agent)
	})
}

func (s *BoltStore) GetAgent(_ context.Context, id string) (*types.Agent, error) {
	var agent types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("agent not found: %s", id)
		}
		return json.Unmarshal(data, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *BoltStore) ListAgents(_ context.Context, filter AgentFilter) ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(_, v []byte) error {
			var agent types.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			if filter.TeamID != "" && agent.TeamID != filter.TeamID {
				return nil
			}
			if filter.State != "" && agent.State != filter.State {
				return nil
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	return agents, err
}

func (s *BoltStore) DeleteAgent(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Delete([]byte(id))
	})
}

func (s *BoltStore) CreateTeam(_ context.Context, team *types.Team) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTeams)
		data, err := json.Marshal(team)
		if err != nil {
			return err
		}
		return b.Put([]byte(team.ID), data)
	})
}

func (s *BoltStore) GetTeam(_ context.Context, id string) (*types.Team, error) {
	var team types.Team
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTeams)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("team not found: %s", id)
		}
		return json.Unmarshal(data, &team)
	})
	if err != nil {
		return nil, err
	}
	return &team, nil
}

func (s *BoltStore) ListTeams(_ context.Context) ([]*types.Team, error) {
	var teams []*types.Team
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTeams)
		return b.ForEach(func(_, v []byte) error {
			var team types.Team
			if err := json.Unmarshal(v, &team); err != nil {
				return err
			}
			teams = append(teams, &team)
			return nil
		})
	})
	return teams, err
}

func (s *BoltStore) UpdateTeam(ctx context.Context, team *types.Team) error {
	return s.CreateTeam(ctx, team)
}

func (s *BoltStore) DeleteTeam(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTeams).Delete([]byte(id))
	})
}

func (s *BoltStore) AppendEvent(_ context.Context, event *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.appendEvent(tx, event)
	})
}

func (s *BoltStore) GetEvents(_ context.Context, filter EventFilter) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if event.Seq <= filter.Since {
				continue
			}
			if !matchesFilter(&event, filter) {
				continue
			}
			events = append(events, &event)
			if filter.Limit > 0 && len(events) >= filter.Limit {
				break
			}
		}
		return nil
	})
	return events, err
}

func matchesFilter(event *types.Event, filter EventFilter) bool {
	if filter.AgentID != "" && event.AgentID != filter.AgentID {
		return false
	}
	if filter.TeamID != "" && event.TeamID != filter.TeamID {
		return false
	}
	if len(filter.Types) > 0 {
		ok := false
		for _, t := range filter.Types {
			if event.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (s *BoltStore) GetRecentEvents(_ context.Context, n int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(events) < n; k, v = c.Prev() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// reverse to ascending seq order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (s *BoltStore) GetBudget(_ context.Context, key string) (*types.BudgetRecord, error) {
	var record types.BudgetRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBudgets)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &record)
	})
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

func (s *BoltStore) UpsertBudget(_ context.Context, record *types.BudgetRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBudgets)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(record.Key()), data)
	})
}

func (s *BoltStore) ListBudgets(_ context.Context, scopeType types.BudgetScopeType) ([]*types.BudgetRecord, error) {
	var records []*types.BudgetRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBudgets)
		return b.ForEach(func(_, v []byte) error {
			var record types.BudgetRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if scopeType != "" && record.ScopeType != scopeType {
				return nil
			}
			records = append(records, &record)
			return nil
		})
	})
	return records, err
}
