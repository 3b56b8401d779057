package memory_test

import (
	"testing"

	"github.com/weftlab/weft/internal/adapters/memory"
	"github.com/weftlab/weft/pkg/ports"
)

func TestStackContract(t *testing.T) {
	ports.RunStackContract(t, memory.NewStack())
}

func TestQueueContract(t *testing.T) {
	ports.RunQueueContract(t, memory.NewQueue())
}

func TestLockerContract(t *testing.T) {
	ports.RunLockerContract(t, memory.NewLocker())
}
