package services

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"crash-round-backend/internal/models"

	"github.com/shopspring/decimal"
)

type Path string

const (
	PathNatural    Path = "natural"
	PathPercentage Path = "percentage"
	PathRounds     Path = "rounds"
)

// Outcome is the generator's decision for one round.
type Outcome struct {
	CrashPoint      decimal.Decimal
	Path            Path
	SeedHash        string
	SettingsVersion int64
}

func (o Outcome) Rigged() bool {
	return o.Path != PathNatural
}

type GeneratorConfig struct {
	ServerSeed    string
	Salt          string
	HouseEdge     decimal.Decimal
	MaxCrashPoint decimal.Decimal
	GrowthRate    float64 // per second of active time
	Candidates    int
	HistoryWindow int
}

// RevealedSeed is a retired server seed, published so past rounds can be
// checked against the hash that was shown while they ran.
type RevealedSeed struct {
	Seed      string    `json:"server_seed"`
	Hash      string    `json:"server_hash"`
	RetiredAt time.Time `json:"retired_at"`
}

const maxRevealedSeeds = 20

type MultiplierGenerator struct {
	mu         sync.RWMutex
	serverSeed string
	serverHash string
	revealed   []RevealedSeed

	salt       string
	houseEdge  decimal.Decimal
	maxCents   int64
	growthRate float64
	candidates int

	history *crashHistory
}

func NewMultiplierGenerator(cfg GeneratorConfig) (*MultiplierGenerator, error) {
	if cfg.ServerSeed == "" {
		seed, err := generateServerSeed()
		if err != nil {
			return nil, err
		}
		cfg.ServerSeed = seed
	}
	if cfg.GrowthRate <= 0 {
		return nil, fmt.Errorf("growth rate must be positive")
	}
	if cfg.Candidates < 1 {
		cfg.Candidates = 1
	}
	if cfg.HistoryWindow < 1 {
		cfg.HistoryWindow = 100
	}
	maxCents := capCents(cfg.MaxCrashPoint)

	return &MultiplierGenerator{
		serverSeed: cfg.ServerSeed,
		serverHash: hashSeed(cfg.ServerSeed),
		salt:       cfg.Salt,
		houseEdge:  cfg.HouseEdge,
		maxCents:   maxCents,
		growthRate: cfg.GrowthRate,
		candidates: cfg.Candidates,
		history:    newCrashHistory(cfg.HistoryWindow),
	}, nil
}

func generateServerSeed() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate server seed: %v", err)
	}
	return hex.EncodeToString(b), nil
}

func hashSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// ServerHash is the commitment to the seed currently generating rounds.
func (g *MultiplierGenerator) ServerHash() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.serverHash
}

func (g *MultiplierGenerator) Salt() string {
	return g.salt
}

func (g *MultiplierGenerator) HouseEdge() decimal.Decimal {
	return g.houseEdge
}

func (g *MultiplierGenerator) MaxCrashPoint() decimal.Decimal {
	return decimal.New(g.maxCents, -2)
}

// RotateSeed retires the current seed and returns it. An empty newSeed draws
// a fresh one.
func (g *MultiplierGenerator) RotateSeed(newSeed string) (RevealedSeed, error) {
	if newSeed == "" {
		var err error
		if newSeed, err = generateServerSeed(); err != nil {
			return RevealedSeed{}, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	old := RevealedSeed{Seed: g.serverSeed, Hash: g.serverHash, RetiredAt: time.Now()}
	g.revealed = append(g.revealed, old)
	if len(g.revealed) > maxRevealedSeeds {
		g.revealed = g.revealed[len(g.revealed)-maxRevealedSeeds:]
	}
	g.serverSeed = newSeed
	g.serverHash = hashSeed(newSeed)
	return old, nil
}

func (g *MultiplierGenerator) RevealedSeeds() []RevealedSeed {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]RevealedSeed, len(g.revealed))
	copy(out, g.revealed)
	return out
}

// Generate picks the crash point for a round using the rig snapshot captured
// at round creation. The chosen point is added to the rolling history.
func (g *MultiplierGenerator) Generate(roundNumber int64, rig models.RigSettings) Outcome {
	g.mu.RLock()
	seed, seedHash := g.serverSeed, g.serverHash
	g.mu.RUnlock()

	out := Outcome{SeedHash: seedHash, SettingsVersion: rig.Version, Path: PathNatural}

	switch {
	case rig.RigMode == models.RigRounds && rig.RiggedRoundsRemaining > 0:
		out.Path = PathRounds
		out.CrashPoint = g.forced(seed, roundNumber, rig)
	case rig.RigMode == models.RigPercentage && hasTargets(rig.Targets()):
		out.Path = PathPercentage
		out.CrashPoint = g.steered(seed, roundNumber, rig.Targets())
	default:
		out.CrashPoint = g.natural(seed, roundNumber, 0)
	}

	g.Record(out.CrashPoint)
	return out
}

// Record adds a crash point to the rolling history percentage mode steers by.
func (g *MultiplierGenerator) Record(crashPoint decimal.Decimal) {
	g.history.add(crashPoint.Shift(2).IntPart())
}

// NaturalCrashPoint is the unrigged point for a round under the current seed.
func (g *MultiplierGenerator) NaturalCrashPoint(roundNumber int64) decimal.Decimal {
	g.mu.RLock()
	seed := g.serverSeed
	g.mu.RUnlock()
	return g.natural(seed, roundNumber, 0)
}

func (g *MultiplierGenerator) natural(seed string, roundNumber int64, candidate int) decimal.Decimal {
	msg := fmt.Sprintf("%s:%d", g.salt, roundNumber)
	if candidate > 0 {
		msg = fmt.Sprintf("%s:%d", msg, candidate)
	}
	return crashPointFromFloat(hashFloat(seed, msg), g.houseEdge, g.maxCents)
}

// forced draws uniformly in cents between 1.00x and the mode's cap.
func (g *MultiplierGenerator) forced(seed string, roundNumber int64, rig models.RigSettings) decimal.Decimal {
	var capCents int64
	switch rig.RiggedMode {
	case models.RiggedUnder15x:
		capCents = 149
	case models.RiggedUnder11x:
		capCents = 109
	case models.RiggedRandomized:
		capCents = rig.RiggedMaxMultiplier.Shift(2).IntPart()
		if capCents < 100 {
			capCents = 100
		}
		if capCents > g.maxCents {
			capCents = g.maxCents
		}
		// A natural draw already under the cap is kept as is.
		if cp := g.natural(seed, roundNumber, 0); cp.Shift(2).IntPart() <= capCents {
			return cp
		}
	default:
		capCents = 199
	}
	if capCents > g.maxCents {
		capCents = g.maxCents
	}

	r := hashFloat(seed, fmt.Sprintf("rig:%s:%d", g.salt, roundNumber))
	cents := 100 + int64(r*float64(capCents-100+1))
	if cents > capCents {
		cents = capCents
	}
	return decimal.New(cents, -2)
}

// steered draws several natural candidates and keeps the one that moves the
// observed bucket frequencies closest to the targets. Ties keep the earliest
// candidate, so an indifferent history yields the plain natural point.
func (g *MultiplierGenerator) steered(seed string, roundNumber int64, t models.PercentageTargets) decimal.Decimal {
	targets := bucketTargets(t)
	counts, n := g.history.bucketCounts()

	var best decimal.Decimal
	bestDist := math.Inf(1)
	for i := 0; i < g.candidates; i++ {
		cp := g.natural(seed, roundNumber, i)
		d := bucketDistance(counts, n, cp.Shift(2).IntPart(), targets)
		if d < bestDist {
			best, bestDist = cp, d
		}
	}
	return best
}

// MultiplierAt is the displayed multiplier after elapsed active time:
// floor(100·e^(rate·t))/100. Every observer derives the same value from the
// same elapsed time.
func (g *MultiplierGenerator) MultiplierAt(elapsed time.Duration) decimal.Decimal {
	if elapsed <= 0 {
		return decimal.New(100, -2)
	}
	cents := int64(math.Floor(100 * math.Exp(g.growthRate*elapsed.Seconds())))
	if cents < 100 {
		cents = 100
	}
	return decimal.New(cents, -2)
}

// TimeToReach is the active time after which MultiplierAt reaches m.
func (g *MultiplierGenerator) TimeToReach(m decimal.Decimal) time.Duration {
	f := m.InexactFloat64()
	if f <= 1 {
		return 0
	}
	secs := math.Log(f) / g.growthRate
	return time.Duration(math.Ceil(secs*float64(time.Second))) + time.Millisecond
}

// VerifyCrashPoint recomputes a natural crash point from a revealed seed so
// anyone can audit a finished round.
func VerifyCrashPoint(serverSeed, salt string, roundNumber int64, houseEdge, maxCrash decimal.Decimal) (decimal.Decimal, string) {
	msg := fmt.Sprintf("%s:%d", salt, roundNumber)
	return crashPointFromFloat(hashFloat(serverSeed, msg), houseEdge, capCents(maxCrash)), hashSeed(serverSeed)
}

// capCents is the crash cap in cents, defaulting to 1000.00x and never above
// what a round row can store.
func capCents(maxCrash decimal.Decimal) int64 {
	cents := maxCrash.Shift(2).IntPart()
	if cents < 100 {
		cents = 100000
	}
	if stored := models.MaxStoredCrashPoint.Shift(2).IntPart(); cents > stored {
		cents = stored
	}
	return cents
}

// hashFloat maps HMAC-SHA256(seed, msg) to [0,1) using the top 52 bits.
func hashFloat(seed, msg string) float64 {
	h := hmac.New(sha256.New, []byte(seed))
	h.Write([]byte(msg))
	sum := h.Sum(nil)
	n := binary.BigEndian.Uint64(sum[:8]) >> 12
	return float64(n) / float64(uint64(1)<<52)
}

// crashPointFromFloat applies floor(100·(1−edge)/(1−r))/100 clamped to
// [1.00, max]. For any target m ≥ 1, P(crash ≥ m) = (1−edge)/m, so the
// expected return of every cash-out target is 1−edge.
func crashPointFromFloat(r float64, houseEdge decimal.Decimal, maxCents int64) decimal.Decimal {
	e := houseEdge.InexactFloat64()
	v := 100 * (1 - e) / (1 - r)
	cents := int64(math.Floor(v))
	if v >= float64(maxCents) {
		cents = maxCents
	}
	if cents < 100 {
		cents = 100
	}
	return decimal.New(cents, -2)
}

const (
	bucketUnder101 = iota
	bucketUnder11
	bucketUnder15
	bucketUnder2
	bucketOver10
	bucketOver50
	bucketCount
)

func bucketsOf(cents int64) [bucketCount]bool {
	return [bucketCount]bool{
		bucketUnder101: cents < 101,
		bucketUnder11:  cents < 110,
		bucketUnder15:  cents < 150,
		bucketUnder2:   cents < 200,
		bucketOver10:   cents > 1000,
		bucketOver50:   cents > 5000,
	}
}

func bucketTargets(t models.PercentageTargets) [bucketCount]float64 {
	return [bucketCount]float64{
		bucketUnder101: t.Under101.InexactFloat64() / 100,
		bucketUnder11:  t.Under11.InexactFloat64() / 100,
		bucketUnder15:  t.Under15.InexactFloat64() / 100,
		bucketUnder2:   t.Under2.InexactFloat64() / 100,
		bucketOver10:   t.Over10.InexactFloat64() / 100,
		bucketOver50:   t.Over50.InexactFloat64() / 100,
	}
}

func hasTargets(t models.PercentageTargets) bool {
	for _, v := range bucketTargets(t) {
		if v > 0 {
			return true
		}
	}
	return false
}

// bucketDistance is the squared error between targets and the frequencies the
// history would show after adding a point of the given cents.
func bucketDistance(counts [bucketCount]int, n int, cents int64, targets [bucketCount]float64) float64 {
	in := bucketsOf(cents)
	total := float64(n + 1)
	var d float64
	for b := 0; b < bucketCount; b++ {
		if targets[b] <= 0 {
			continue
		}
		c := counts[b]
		if in[b] {
			c++
		}
		diff := float64(c)/total - targets[b]
		d += diff * diff
	}
	return d
}

// crashHistory is a fixed-size ring of recent crash points in cents.
type crashHistory struct {
	mu    sync.Mutex
	cents []int64
	next  int
	full  bool
}

func newCrashHistory(size int) *crashHistory {
	return &crashHistory{cents: make([]int64, size)}
}

func (h *crashHistory) add(c int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cents[h.next] = c
	h.next = (h.next + 1) % len(h.cents)
	if h.next == 0 {
		h.full = true
	}
}

func (h *crashHistory) bucketCounts() ([bucketCount]int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.next
	if h.full {
		n = len(h.cents)
	}
	var counts [bucketCount]int
	for i := 0; i < n; i++ {
		in := bucketsOf(h.cents[i])
		for b := 0; b < bucketCount; b++ {
			if in[b] {
				counts[b]++
			}
		}
	}
	return counts, n
}
