package memory_test

import (
	"testing"

	"yookassa/internal/repository/payments_repo"
	"yookassa/internal/repository/payments_repo/memory"
	"yookassa/internal/repository/payments_repo/storagetest"
)

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) payments_repo.Storage {
		return memory.New()
	})
}
