package ids

import (
	"testing"

	"github.com/google/uuid"
)

func TestSnowflakeIncreasing(t *testing.T) {
	gen, err := NewSnowflake(7)
	if err != nil {
		t.Fatalf("NewSnowflake() error: %v", err)
	}
	prev := gen.Next()
	for i := 0; i < 1000; i++ {
		id := gen.Next()
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestSnowflakeInvalidNode(t *testing.T) {
	if _, err := NewSnowflake(5000); err == nil {
		t.Error("expected error for node out of range")
	}
}

func TestNodeFromHost(t *testing.T) {
	n := NodeFromHost()
	if n < 0 || n > 1023 {
		t.Errorf("NodeFromHost() = %d, out of range", n)
	}
	if again := NodeFromHost(); again != n {
		t.Errorf("NodeFromHost() not stable: %d then %d", n, again)
	}
}

func TestSequence(t *testing.T) {
	var s Sequence
	if got := s.Next(); got != 1 {
		t.Errorf("first = %d, want 1", got)
	}
	if got := s.Next(); got != 2 {
		t.Errorf("second = %d, want 2", got)
	}
}

func TestNewUUID(t *testing.T) {
	id := NewUUID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("NewUUID() = %q not a uuid: %v", id, err)
	}
	if NewUUID() == id {
		t.Error("NewUUID() returned the same value twice")
	}
}
