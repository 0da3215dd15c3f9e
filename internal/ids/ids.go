// Package ids issues identifiers: snowflake ids for sync jobs and uuids for
// kicks and worker instances.
package ids

import (
	"fmt"
	"hash/fnv"
	"os"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

// Generator hands out time-ordered int64 ids.
type Generator interface {
	Next() int64
}

type snowflakeGen struct {
	node *snowflake.Node
}

// NewSnowflake returns a generator bound to the given node number (0-1023).
func NewSnowflake(node int64) (Generator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", node, err)
	}
	return &snowflakeGen{node: n}, nil
}

func (g *snowflakeGen) Next() int64 {
	return g.node.Generate().Int64()
}

// NodeFromHost derives a stable node number from the hostname so two
// replicas rarely collide. Override with SNOWFLAKE_NODE.
func NodeFromHost() int64 {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return 1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	return int64(h.Sum32() % 1024)
}

// Sequence is a Generator for tests.
type Sequence struct {
	mu   sync.Mutex
	next int64
}

func (s *Sequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next
}

// NewUUID returns a random v4 uuid string.
func NewUUID() string {
	return uuid.NewString()
}
