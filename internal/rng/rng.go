// Package rng provides the random source behind draw selection.
//
// A Service reads from either crypto/rand or a ChaCha8 stream keyed with a
// 32 byte seed. Seeded services make a draw reproducible: publishing the seed
// after the draw lets anyone replay which tickets were picked.
package rng

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	mrand "math/rand/v2"
	"sync"
	"time"
)

// SeedSize is the length in bytes of a draw seed
const SeedSize = 32

// Service generates unbiased random integers from an entropy stream
type Service struct {
	entropy io.Reader
	seed    *[SeedSize]byte
	mu      sync.Mutex

	lastHealthCheck  time.Time
	samplesGenerated int64
}

// New creates an unseeded service backed by crypto/rand
func New() *Service {
	return &Service{
		entropy:         rand.Reader,
		lastHealthCheck: time.Now(),
	}
}

// NewSeeded creates a deterministic service: the same seed always yields the
// same sequence
func NewSeeded(seed [SeedSize]byte) *Service {
	s := seed
	return &Service{
		entropy:         mrand.NewChaCha8(seed),
		seed:            &s,
		lastHealthCheck: time.Now(),
	}
}

// NewSeed draws a fresh seed from crypto/rand
func NewSeed() ([SeedSize]byte, error) {
	var seed [SeedSize]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return seed, fmt.Errorf("failed to generate seed: %w", err)
	}
	return seed, nil
}

// ParseSeed decodes a hex seed as returned by Seed
func ParseSeed(s string) ([SeedSize]byte, error) {
	var seed [SeedSize]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return seed, fmt.Errorf("invalid seed: %w", err)
	}
	if len(b) != SeedSize {
		return seed, fmt.Errorf("invalid seed: expected %d bytes, got %d", SeedSize, len(b))
	}
	copy(seed[:], b)
	return seed, nil
}

// Seed returns the hex encoded seed, or "" for an unseeded service
func (s *Service) Seed() string {
	if s.seed == nil {
		return ""
	}
	return hex.EncodeToString(s.seed[:])
}

// GenerateInt returns a random integer in range [0, max).
// Values above the largest multiple of max are rejected so every result is
// equally likely.
func (s *Service) GenerateInt(max int64) (int64, error) {
	if max <= 0 {
		return 0, fmt.Errorf("max must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const limit = uint64(math.MaxInt64)
	threshold := limit - (limit % uint64(max))

	var buf [8]byte
	for {
		if _, err := io.ReadFull(s.entropy, buf[:]); err != nil {
			return 0, fmt.Errorf("failed to generate random int: %w", err)
		}

		n := binary.BigEndian.Uint64(buf[:]) >> 1
		if n < threshold {
			s.samplesGenerated++
			return int64(n % uint64(max)), nil
		}
	}
}

// Pick returns a uniformly chosen index in [0, n)
func (s *Service) Pick(n int) (int, error) {
	i, err := s.GenerateInt(int64(n))
	if err != nil {
		return 0, err
	}
	return int(i), nil
}

// HealthCheck samples the source and runs a chi-square uniformity test
func (s *Service) HealthCheck() (*HealthResult, error) {
	s.mu.Lock()
	s.lastHealthCheck = time.Now()
	s.mu.Unlock()

	const sampleSize = 1000
	samples := make([]int64, sampleSize)
	for i := range samples {
		n, err := s.GenerateInt(100)
		if err != nil {
			return &HealthResult{
				Healthy:   false,
				Timestamp: time.Now(),
				Error:     err.Error(),
			}, err
		}
		samples[i] = n
	}

	chiSquare, passed := chiSquareTest(samples, 100)

	s.mu.Lock()
	generated := s.samplesGenerated
	s.mu.Unlock()

	return &HealthResult{
		Healthy:          passed,
		Timestamp:        time.Now(),
		SamplesGenerated: generated,
		ChiSquare:        chiSquare,
		ChiSquarePassed:  passed,
	}, nil
}

func chiSquareTest(samples []int64, bins int) (float64, bool) {
	counts := make([]int, bins)
	for _, sample := range samples {
		counts[int(sample)%bins]++
	}

	expected := float64(len(samples)) / float64(bins)
	var chiSquare float64
	for _, count := range counts {
		diff := float64(count) - expected
		chiSquare += (diff * diff) / expected
	}

	// 99 degrees of freedom at 99% confidence
	criticalValue := 134.6
	if bins != 100 {
		criticalValue = float64(bins-1) + 2.576*math.Sqrt(2.0*float64(bins-1))
	}

	return chiSquare, chiSquare < criticalValue
}

// HealthResult contains RNG health check results
type HealthResult struct {
	Healthy          bool      `json:"healthy"`
	Timestamp        time.Time `json:"timestamp"`
	SamplesGenerated int64     `json:"samples_generated"`
	ChiSquare        float64   `json:"chi_square"`
	ChiSquarePassed  bool      `json:"chi_square_passed"`
	Error            string    `json:"error,omitempty"`
}
