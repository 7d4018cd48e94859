package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/cardscan/internal/catalog"
	"github.com/example/cardscan/internal/fingerprint"
	"github.com/example/cardscan/internal/imageprocessor"
	"github.com/example/cardscan/internal/lookup"
	"github.com/example/cardscan/internal/rebuild"
	"github.com/example/cardscan/internal/repository"
)

type stubRepository struct {
	savedLogs   []*repository.IdentifyLog
	saveErr     error
	findLog     *repository.IdentifyLog
	findErr     error
	findCalls   int
	aggregation *repository.MetricsAggregation
	lastRebuild *repository.RebuildLog
}

func (s *stubRepository) SaveIdentifyLog(ctx context.Context, log *repository.IdentifyLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindIdentifyLog(ctx context.Context, requestID string) (*repository.IdentifyLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.aggregation == nil {
		return &repository.MetricsAggregation{}, nil
	}
	return s.aggregation, nil
}

func (s *stubRepository) LatestRebuild(ctx context.Context) (*repository.RebuildLog, error) {
	if s.lastRebuild == nil {
		return nil, repository.ErrNotFound
	}
	return s.lastRebuild, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
	values    map[string]string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	if s.values == nil {
		s.values = map[string]string{}
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	if len(s.getValues) > 0 || len(s.getErrs) > 0 {
		var value string
		if len(s.getValues) > 0 {
			value = s.getValues[0]
			s.getValues = s.getValues[1:]
		}
		var err error
		if len(s.getErrs) > 0 {
			err = s.getErrs[0]
			s.getErrs = s.getErrs[1:]
		}
		return value, err
	}
	if value, ok := s.values[key]; ok {
		return value, nil
	}
	return "", redis.Nil
}

type stubProcessor struct {
	result *imageprocessor.Result
	err    error
	calls  int
}

func (s *stubProcessor) Process(ctx context.Context, imageBytes []byte) (*imageprocessor.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubRebuilder struct {
	opts    []rebuild.Options
	running bool
}

func (s *stubRebuilder) Rebuild(ctx context.Context, opts rebuild.Options) (rebuild.Result, error) {
	s.opts = append(s.opts, opts)
	return rebuild.Result{Records: 3}, nil
}

func (s *stubRebuilder) Running() bool { return s.running }

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

const (
	blueEyesHash     fingerprint.Fingerprint = 0xF0F0F0F0F0F0F0F0
	darkMagicianHash fingerprint.Fingerprint = 0x0F0F0F0F0F0F0F0F
)

func liveWith(t *testing.T, hashed bool) *catalog.Live {
	t.Helper()
	records := []catalog.Record{
		{ID: "89631139", NamePrimary: "Blue-Eyes White Dragon", NameAlt: catalog.StringPtr("Drago Bianco Occhi Blu"), ImageRef: "https://img/89631139.jpg"},
		{ID: "46986414", NamePrimary: "Dark Magician"},
	}
	if hashed {
		records[0].Fingerprint = catalog.FingerprintPtr(blueEyesHash)
		records[1].Fingerprint = catalog.FingerprintPtr(darkMagicianHash)
	}
	snap, err := catalog.NewSnapshot(records, catalog.Meta{Version: "v1"})
	require.NoError(t, err)
	live := catalog.NewLive()
	live.Publish(snap)
	return live
}

func newTestUseCase(live *catalog.Live, processor imageprocessor.Client, repo HistoryRepository, cache Cache) *CardUseCase {
	uc := NewCardUseCase(live, processor, &stubRebuilder{}, repo, cache, DefaultSettings(), zap.NewNop())
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond
	return uc
}

func TestIdentifyMatchesNearestCard(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{}
	processor := &stubProcessor{result: &imageprocessor.Result{Fingerprint: blueEyesHash ^ 0x7}}
	uc := newTestUseCase(liveWith(t, true), processor, repo, cache)

	res, err := uc.Identify(context.Background(), []byte("image"))
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, 3, res.Distance)
	require.NotNil(t, res.Card)
	assert.Equal(t, "89631139", res.Card.ID)
	assert.Equal(t, "Drago Bianco Occhi Blu", res.Card.DisplayName)
	assert.Equal(t, "v1", res.SnapshotVersion)
	assert.NotEmpty(t, res.RequestID)

	require.Len(t, repo.savedLogs, 1)
	assert.Equal(t, res.RequestID, repo.savedLogs[0].RequestID)
	assert.Equal(t, "89631139", repo.savedLogs[0].CardID)
	assert.Contains(t, cache.values, resultKey(res.RequestID))
}

func TestIdentifyReportsCandidateWhenNotMatched(t *testing.T) {
	processor := &stubProcessor{result: &imageprocessor.Result{Fingerprint: 0xFFFF00000000FFFF}}
	uc := newTestUseCase(liveWith(t, true), processor, nil, nil)

	res, err := uc.Identify(context.Background(), []byte("image"))
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Nil(t, res.Card)
	require.NotNil(t, res.Candidate)
	assert.GreaterOrEqual(t, res.Distance, lookup.DefaultThreshold)
}

func TestIdentifyRetriesRedisSet(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	processor := &stubProcessor{result: &imageprocessor.Result{Fingerprint: darkMagicianHash}}
	uc := newTestUseCase(liveWith(t, true), processor, &stubRepository{}, cache)

	res, err := uc.Identify(context.Background(), []byte("image"))
	require.NoError(t, err)
	assert.True(t, res.Matched)
	require.GreaterOrEqual(t, len(cache.setKeys), 3, "expected retry plus result writes")
	assert.Equal(t, cache.setKeys[0], cache.setKeys[1], "retry must target the same key")
}

func TestIdentifyToleratesCacheAndHistoryFailures(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom"), errors.New("boom")}, getErrs: []error{errors.New("down")}}
	repo := &stubRepository{saveErr: errors.New("db down")}
	processor := &stubProcessor{result: &imageprocessor.Result{Fingerprint: darkMagicianHash}}
	uc := newTestUseCase(liveWith(t, true), processor, repo, cache)

	res, err := uc.Identify(context.Background(), []byte("image"))
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, 1, processor.calls)
}

func TestIdentifyUsesCachedOutcomeForSameImage(t *testing.T) {
	cache := &stubCache{}
	processor := &stubProcessor{result: &imageprocessor.Result{Fingerprint: blueEyesHash}}
	uc := newTestUseCase(liveWith(t, true), processor, nil, cache)

	first, err := uc.Identify(context.Background(), []byte("same-image"))
	require.NoError(t, err)
	second, err := uc.Identify(context.Background(), []byte("same-image"))
	require.NoError(t, err)

	assert.Equal(t, 1, processor.calls)
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, first.Card, second.Card)
}

func TestIdentifyErrors(t *testing.T) {
	t.Run("unloaded", func(t *testing.T) {
		uc := newTestUseCase(catalog.NewLive(), &stubProcessor{}, nil, nil)
		_, err := uc.Identify(context.Background(), []byte("image"))
		assert.ErrorIs(t, err, catalog.ErrDatabaseUnavailable)
	})
	t.Run("no fingerprints", func(t *testing.T) {
		uc := newTestUseCase(liveWith(t, false), &stubProcessor{}, nil, nil)
		_, err := uc.Identify(context.Background(), []byte("image"))
		assert.ErrorIs(t, err, ErrFingerprintsUnavailable)
	})
	t.Run("decode", func(t *testing.T) {
		processor := &stubProcessor{err: fmt.Errorf("%w: bad header", fingerprint.ErrDecode)}
		uc := newTestUseCase(liveWith(t, true), processor, nil, nil)
		_, err := uc.Identify(context.Background(), []byte("garbage"))
		assert.ErrorIs(t, err, fingerprint.ErrDecode)
	})
}

func TestSearchFillsImageURLAndCaches(t *testing.T) {
	cache := &stubCache{}
	uc := newTestUseCase(liveWith(t, false), &stubProcessor{}, nil, cache)

	hits, err := uc.Search(context.Background(), "dark")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "46986414", hits[0].ID)
	assert.Equal(t, fmt.Sprintf(DefaultImageURLTemplate, "46986414"), hits[0].ImageRef)
	require.Len(t, cache.setKeys, 1)
	assert.True(t, strings.HasPrefix(cache.setKeys[0], "search:v1:"))

	cached := []lookup.SearchHit{{ID: "x", DisplayName: "From Cache"}}
	payload, err := json.Marshal(cached)
	require.NoError(t, err)
	cache.values[cache.setKeys[0]] = string(payload)

	hits, err = uc.Search(context.Background(), "dark")
	require.NoError(t, err)
	assert.Equal(t, cached, hits)
}

func TestSearchBlankQueryAndUnloaded(t *testing.T) {
	uc := newTestUseCase(liveWith(t, false), &stubProcessor{}, nil, nil)
	hits, err := uc.Search(context.Background(), "   ")
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)

	uc = newTestUseCase(catalog.NewLive(), &stubProcessor{}, nil, nil)
	_, err = uc.Search(context.Background(), "dragon")
	assert.ErrorIs(t, err, catalog.ErrDatabaseUnavailable)
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	expected := &repository.IdentifyLog{RequestID: "req", Matched: true, CardID: "46986414", CardName: "Dark Magician", Distance: 2}
	repo := &stubRepository{findLog: expected}
	uc := newTestUseCase(liveWith(t, true), &stubProcessor{}, repo, cache)

	res, err := uc.GetResult(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, "req", res.RequestID)
	require.NotNil(t, res.Card)
	assert.Equal(t, "Dark Magician", res.Card.Name)
	assert.Equal(t, darkMagicianHash.String(), res.Card.Fingerprint)
	assert.Equal(t, 1, repo.findCalls)
}

func TestGetResultNotFound(t *testing.T) {
	uc := newTestUseCase(liveWith(t, true), &stubProcessor{}, &stubRepository{}, nil)
	_, err := uc.GetResult(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrResultNotFound)

	uc = newTestUseCase(liveWith(t, true), &stubProcessor{}, nil, nil)
	_, err = uc.GetResult(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrResultNotFound)
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{aggregation: &repository.MetricsAggregation{TotalCount: 4, MatchedCount: 3, AverageDistance: 5.5}}
	uc := newTestUseCase(liveWith(t, true), &stubProcessor{}, repo, nil)

	summary, err := uc.GetMetricsSummary(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, summary.TotalRequests)
	assert.InDelta(t, 0.75, summary.MatchRate, 1e-9)
	assert.InDelta(t, 5.5, summary.AverageDistance, 1e-9)

	uc = newTestUseCase(liveWith(t, true), &stubProcessor{}, nil, nil)
	_, err = uc.GetMetricsSummary(context.Background())
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
}

func TestRebuildUsesHashingDefaultUnlessOverridden(t *testing.T) {
	rebuilder := &stubRebuilder{}
	settings := DefaultSettings()
	settings.HashingDefault = true
	uc := NewCardUseCase(catalog.NewLive(), &stubProcessor{}, rebuilder, nil, nil, settings, zap.NewNop())

	_, err := uc.Rebuild(context.Background(), nil)
	require.NoError(t, err)
	off := false
	_, err = uc.Rebuild(context.Background(), &off)
	require.NoError(t, err)

	assert.Equal(t, []rebuild.Options{{Hashing: true}, {Hashing: false}}, rebuilder.opts)
}

func TestGetCardAndStatus(t *testing.T) {
	repo := &stubRepository{lastRebuild: &repository.RebuildLog{RunID: "run-1", RecordCount: 2}}
	uc := newTestUseCase(liveWith(t, true), &stubProcessor{}, repo, nil)

	card, err := uc.GetCard(context.Background(), "89631139")
	require.NoError(t, err)
	assert.Equal(t, "https://img/89631139.jpg", card.ImageURL)
	assert.Equal(t, "Drago Bianco Occhi Blu", card.NameAlt)

	_, err = uc.GetCard(context.Background(), "0")
	assert.ErrorIs(t, err, ErrCardNotFound)

	status := uc.GetStatus(context.Background())
	assert.True(t, status.Loaded)
	assert.Equal(t, "v1", status.Version)
	assert.Equal(t, 2, status.Records)
	assert.Equal(t, 2, status.Fingerprinted)
	assert.Equal(t, fingerprint.Format, status.FingerprintFormat)
	require.NotNil(t, status.LastRebuild)
	assert.Equal(t, "run-1", status.LastRebuild.RunID)

	empty := newTestUseCase(catalog.NewLive(), &stubProcessor{}, nil, nil).GetStatus(context.Background())
	assert.False(t, empty.Loaded)
	assert.Nil(t, empty.BuiltAt)
}
