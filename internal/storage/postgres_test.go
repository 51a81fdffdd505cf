package storage

import (
	"errors"
	"math"
	"testing"
)

func TestValidateEmbedding(t *testing.T) {
	s := &PostgresStore{dim: 4}

	valid := []float32{0.1, -0.2, 0.3, 0.4}
	if err := s.ValidateEmbedding(valid); err != nil {
		t.Fatalf("valid vector rejected: %v", err)
	}

	tests := []struct {
		name string
		vec  []float32
	}{
		{"nil", nil},
		{"short", []float32{1, 2, 3}},
		{"long", []float32{1, 2, 3, 4, 5}},
		{"nan", []float32{0.1, float32(math.NaN()), 0.3, 0.4}},
		{"all zero", []float32{0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateEmbedding(tt.vec)
			if err == nil {
				t.Fatalf("vector %v accepted, want rejection", tt.vec)
			}
			if !errors.Is(err, ErrInvalidEmbedding) {
				t.Errorf("err = %v, want ErrInvalidEmbedding", err)
			}
		})
	}
}
