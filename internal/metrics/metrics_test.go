package metrics

import (
	"errors"
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeRelevantInMiddle(t *testing.T) {
	ranked := []string{"chunkA", "chunkB", "chunkC"}
	relevant := []string{"chunkB"}

	m, err := Compute(ranked, relevant, "chunkB", 3)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if m.HitRate != 1 {
		t.Errorf("HitRate = %d, want 1", m.HitRate)
	}
	if !almostEqual(m.MRR, 0.5) {
		t.Errorf("MRR = %f, want 0.5", m.MRR)
	}
	if !almostEqual(m.PrecisionAtK, 1.0/3.0) {
		t.Errorf("PrecisionAtK = %f, want %f", m.PrecisionAtK, 1.0/3.0)
	}
	if m.PrecisionAt1 != 0 {
		t.Errorf("PrecisionAt1 = %d, want 0", m.PrecisionAt1)
	}
}

func TestComputeBestChunkOverridesMRR(t *testing.T) {
	// chunkB is relevant at rank 2, but the curator marked chunkD (rank 4)
	// as the single best answer.
	ranked := []string{"chunkA", "chunkB", "chunkC", "chunkD"}
	relevant := []string{"chunkB", "chunkD"}

	m, err := Compute(ranked, relevant, "chunkD", 4)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if !almostEqual(m.MRR, 0.25) {
		t.Errorf("MRR = %f, want 0.25", m.MRR)
	}
}

func TestComputeBestChunkAbsentFallsBackToFirstRelevant(t *testing.T) {
	ranked := []string{"chunkA", "chunkB", "chunkC"}
	relevant := []string{"chunkB"}

	m, err := Compute(ranked, relevant, "chunkZ", 3)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if !almostEqual(m.MRR, 0.5) {
		t.Errorf("MRR = %f, want 0.5", m.MRR)
	}
}

func TestComputeNoRelevantRanked(t *testing.T) {
	m, err := Compute([]string{"chunkA", "chunkB"}, []string{"chunkX"}, "", 2)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if m.HitRate != 0 || m.MRR != 0 || m.PrecisionAtK != 0 || m.PrecisionAt1 != 0 {
		t.Errorf("expected all-zero metrics, got %+v", m)
	}
}

func TestComputeEmptyRelevantSet(t *testing.T) {
	// A judgment that marks nothing relevant is valid, not an error.
	m, err := Compute([]string{"chunkA", "chunkB"}, nil, "", 2)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if m.HitRate != 0 || m.MRR != 0 || m.PrecisionAtK != 0 || m.PrecisionAt1 != 0 {
		t.Errorf("expected all-zero metrics, got %+v", m)
	}
}

func TestComputeEmptyRanking(t *testing.T) {
	m, err := Compute(nil, []string{"chunkA"}, "chunkA", 3)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if m.HitRate != 0 || m.MRR != 0 || m.PrecisionAtK != 0 || m.PrecisionAt1 != 0 {
		t.Errorf("expected all-zero metrics, got %+v", m)
	}
}

func TestComputeShortResultUsesActualLength(t *testing.T) {
	// Two chunks came back for k=5; precision divides by 2, not 5.
	m, err := Compute([]string{"chunkA", "chunkB"}, []string{"chunkA"}, "", 5)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if !almostEqual(m.PrecisionAtK, 0.5) {
		t.Errorf("PrecisionAtK = %f, want 0.5", m.PrecisionAtK)
	}
	if m.PrecisionAt1 != 1 {
		t.Errorf("PrecisionAt1 = %d, want 1", m.PrecisionAt1)
	}
	if !almostEqual(m.MRR, 1.0) {
		t.Errorf("MRR = %f, want 1.0", m.MRR)
	}
}

func TestComputeTruncatesRankingToK(t *testing.T) {
	// Relevant chunk sits past k; it must not count.
	m, err := Compute([]string{"chunkA", "chunkB", "chunkC"}, []string{"chunkC"}, "", 2)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if m.HitRate != 0 {
		t.Errorf("HitRate = %d, want 0", m.HitRate)
	}
	if m.MRR != 0 {
		t.Errorf("MRR = %f, want 0", m.MRR)
	}
}

func TestComputeInvalidK(t *testing.T) {
	for _, k := range []int{0, -1} {
		if _, err := Compute([]string{"chunkA"}, []string{"chunkA"}, "", k); !errors.Is(err, ErrInvalidK) {
			t.Errorf("Compute(k=%d) error = %v, want ErrInvalidK", k, err)
		}
	}
}

func TestComputeDeterministic(t *testing.T) {
	ranked := []string{"chunkA", "chunkB", "chunkC"}
	relevant := []string{"chunkB", "chunkC"}

	first, err := Compute(ranked, relevant, "chunkC", 3)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Compute(ranked, relevant, "chunkC", 3)
		if err != nil {
			t.Fatalf("Compute() error = %v", err)
		}
		if again != first {
			t.Fatalf("Compute() not deterministic: %+v vs %+v", again, first)
		}
	}
}
