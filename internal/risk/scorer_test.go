package risk

import (
	"math/rand"
	"testing"

	"github.com/bloodyteeths/nabavkidata-sub003/internal/duplicates"
	"github.com/bloodyteeths/nabavkidata-sub003/internal/fingerprint"
	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
	"github.com/stretchr/testify/assert"
)

func completeFingerprint(class fingerprint.NetworkClass) *fingerprint.Record {
	return &fingerprint.Record{
		IPAddress:  "198.51.100.1",
		DeviceHash: "dev",
		Browser: fingerprint.BrowserAttributes{
			Resolution: "1920x1080",
			Timezone:   "UTC",
			Language:   "en",
			Platform:   "Linux",
			UserAgent:  "Mozilla/5.0",
		},
		NetworkClass: class,
	}
}

func link(confidence int) duplicates.Link {
	return duplicates.Link{Confidence: confidence}
}

func TestScorer_Score(t *testing.T) {
	s := NewScorer(config.DefaultPolicy().Risk)

	tests := []struct {
		name  string
		fp    *fingerprint.Record
		links []duplicates.Link
		score int
		band  Band
	}{
		{"clean", completeFingerprint(fingerprint.NetworkClass{}), nil, 0, BandLow},
		{"nil fingerprint", nil, nil, 10, BandLow},
		{"incomplete", &fingerprint.Record{IPAddress: "198.51.100.1"}, nil, 10, BandLow},
		{"tor", completeFingerprint(fingerprint.NetworkClass{IsTor: true}), nil, 50, BandMedium},
		{"vpn", completeFingerprint(fingerprint.NetworkClass{IsVPN: true}), nil, 30, BandMedium},
		{"proxy", completeFingerprint(fingerprint.NetworkClass{IsProxy: true}), nil, 25, BandLow},
		{"tor takes precedence", completeFingerprint(fingerprint.NetworkClass{IsTor: true, IsVPN: true, IsProxy: true}), nil, 50, BandMedium},
		{"device duplicate adds 15", completeFingerprint(fingerprint.NetworkClass{}), []duplicates.Link{link(90)}, 15, BandLow},
		{"weak link ignored", completeFingerprint(fingerprint.NetworkClass{}), []duplicates.Link{link(79)}, 0, BandLow},
		{"link at threshold", completeFingerprint(fingerprint.NetworkClass{}), []duplicates.Link{link(80)}, 15, BandLow},
		{"duplicates capped", completeFingerprint(fingerprint.NetworkClass{}),
			[]duplicates.Link{link(90), link(95), link(85), link(99), link(80)}, 45, BandMedium},
		{"false positive ignored", completeFingerprint(fingerprint.NetworkClass{}),
			[]duplicates.Link{{Confidence: 95, IsFalsePositive: true}}, 0, BandLow},
		{"vpn plus two links is high", completeFingerprint(fingerprint.NetworkClass{IsVPN: true}),
			[]duplicates.Link{link(90), link(90)}, 60, BandHigh},
		{"tor plus duplicates is critical", completeFingerprint(fingerprint.NetworkClass{IsTor: true}),
			[]duplicates.Link{link(90), link(90)}, 80, BandCritical},
		{"everything clamps to 100", &fingerprint.Record{NetworkClass: fingerprint.NetworkClass{IsTor: true}},
			[]duplicates.Link{link(90), link(90), link(90), link(90)}, 100, BandCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Score(tt.fp, tt.links)
			assert.Equal(t, tt.score, got.Score)
			assert.Equal(t, tt.band, got.Band)
		})
	}
}

func TestScorer_Band(t *testing.T) {
	s := NewScorer(config.DefaultPolicy().Risk)

	tests := []struct {
		score   int
		band    Band
		deny    bool
		flagged bool
	}{
		{0, BandLow, false, false},
		{29, BandLow, false, false},
		{30, BandMedium, false, true},
		{59, BandMedium, false, true},
		{60, BandHigh, false, true},
		{79, BandHigh, false, true},
		{80, BandCritical, true, true},
		{100, BandCritical, true, true},
	}

	for _, tt := range tests {
		b := s.Band(tt.score)
		assert.Equal(t, tt.band, b, "score %d", tt.score)
		assert.Equal(t, tt.deny, b.Deny(), "score %d", tt.score)
		assert.Equal(t, tt.flagged, b.Flagged(), "score %d", tt.score)
	}
}

func TestScorer_PureAndBounded(t *testing.T) {
	s := NewScorer(config.DefaultPolicy().Risk)
	r := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		fp := completeFingerprint(fingerprint.NetworkClass{
			IsTor:   r.Intn(2) == 0,
			IsVPN:   r.Intn(2) == 0,
			IsProxy: r.Intn(2) == 0,
		})
		if r.Intn(3) == 0 {
			fp.DeviceHash = ""
		}
		links := make([]duplicates.Link, r.Intn(6))
		for j := range links {
			links[j] = duplicates.Link{Confidence: r.Intn(101), IsFalsePositive: r.Intn(4) == 0}
		}

		first := s.Score(fp, links)
		second := s.Score(fp, links)

		assert.Equal(t, first, second)
		assert.GreaterOrEqual(t, first.Score, 0)
		assert.LessOrEqual(t, first.Score, 100)
	}
}
