package categories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluiziolira/catalog-export/cache"
	"github.com/aluiziolira/catalog-export/metrics"
	"github.com/aluiziolira/catalog-export/models"
	"github.com/aluiziolira/catalog-export/signer"
	"github.com/aluiziolira/catalog-export/transport"
)

const (
	baseURL   = "https://shop.test/rest"
	listURL   = baseURL + "/V1/categories/list"
	treeURL   = baseURL + "/V1/categories"
	singleURL = `=~^https://shop\.test/rest/V1/categories/(\d+)\z`
	filterKey = "searchCriteria[filterGroups][0][filters][0][value]"
)

type fixture struct {
	resolver *Resolver
	mock     *httpmock.MockTransport
	tracker  *metrics.Tracker
	store    *cache.Memory[models.Category]
	trees    *cache.Memory[models.CategoryTree]
	now      time.Time
}

func newFixture(t *testing.T, s signer.Signer) *fixture {
	t.Helper()
	store, err := cache.NewMemory[models.Category](100)
	require.NoError(t, err)
	trees, err := cache.NewMemory[models.CategoryTree](10)
	require.NoError(t, err)

	f := &fixture{
		mock:    httpmock.NewMockTransport(),
		tracker: metrics.NewTracker(nil),
		store:   store,
		trees:   trees,
		now:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	store.SetClock(clock)
	trees.SetClock(clock)

	client := transport.NewClient("categories", transport.Config{Timeout: time.Second}, nil).WithTransport(f.mock)
	f.resolver = NewResolver(client, s, baseURL, Stores{Categories: store, Trees: trees}, Config{}).WithTracker(f.tracker)
	return f
}

func category(id int) models.Category {
	return models.Category{ID: id, Name: fmt.Sprintf("Category %d", id), IsActive: true}
}

func jsonResponse(t *testing.T, v any) *http.Response {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return httpmock.NewBytesResponse(http.StatusOK, data)
}

func singleResponder(t *testing.T, known map[int]bool) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		id, err := httpmock.GetSubmatchAsInt(req, 1)
		require.NoError(t, err)
		if !known[int(id)] {
			return httpmock.NewStringResponse(http.StatusNotFound, `{"message":"No such entity."}`), nil
		}
		return jsonResponse(t, category(int(id))), nil
	}
}

func requestedIDs(req *http.Request) []int {
	var ids []int
	for _, part := range strings.Split(req.URL.Query().Get(filterKey), ",") {
		if id, err := strconv.Atoi(part); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func TestByIDCachesResult(t *testing.T) {
	f := newFixture(t, signer.NewBearer("t"))
	f.mock.RegisterResponder(http.MethodGet, singleURL, singleResponder(t, map[int]bool{3: true}))

	c, err := f.resolver.ByID(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "Category 3", c.Name)

	again, err := f.resolver.ByID(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, c, again)
	assert.Equal(t, 1, f.mock.GetTotalCallCount())

	report := f.tracker.Report()
	assert.Equal(t, int64(1), report.CacheHits)
	assert.Equal(t, int64(1), report.CacheMisses)
}

func TestByIDPropagatesUpstreamFailure(t *testing.T) {
	f := newFixture(t, signer.NewBearer("t"))
	f.mock.RegisterResponder(http.MethodGet, singleURL, singleResponder(t, nil))

	_, err := f.resolver.ByID(context.Background(), 9)

	var upstream transport.ErrUpstreamUnavailable
	require.True(t, errors.As(err, &upstream), "got %v", err)
	assert.True(t, transport.IsNotFound(err))
	assert.Equal(t, 0, f.store.Len())
}

func TestByIDCredentialsMissing(t *testing.T) {
	f := newFixture(t, signer.NewBearer(""))
	f.mock.RegisterResponder(http.MethodGet, singleURL, singleResponder(t, map[int]bool{3: true}))

	_, err := f.resolver.ByID(context.Background(), 3)
	assert.True(t, signer.IsCredentialsMissing(err))
	assert.Equal(t, 0, f.mock.GetTotalCallCount())
}

func TestByIDRespectsTTL(t *testing.T) {
	f := newFixture(t, signer.NewBearer("t"))
	f.mock.RegisterResponder(http.MethodGet, singleURL, singleResponder(t, map[int]bool{3: true}))

	_, err := f.resolver.ByID(context.Background(), 3)
	require.NoError(t, err)

	f.now = f.now.Add(DefaultCategoryTTL + time.Second)
	_, err = f.resolver.ByID(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, f.mock.GetTotalCallCount())
}

func TestBatchUsesCacheAndOneRequest(t *testing.T) {
	f := newFixture(t, signer.NewBearer("t"))
	f.store.Put(context.Background(), "1", category(1))

	f.mock.RegisterResponder(http.MethodGet, listURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "entity_id", req.URL.Query().Get("searchCriteria[filterGroups][0][filters][0][field]"))
		assert.Equal(t, "in", req.URL.Query().Get("searchCriteria[filterGroups][0][filters][0][conditionType]"))
		assert.ElementsMatch(t, []int{2, 3}, requestedIDs(req))
		return jsonResponse(t, models.CategoryPage{Items: []models.Category{category(2), category(3)}, TotalCount: 2}), nil
	})

	got, err := f.resolver.Batch(context.Background(), []int{1, 2, 3, 2})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, 1, f.mock.GetTotalCallCount())
	assert.Equal(t, 3, f.store.Len())

	assert.Equal(t, int64(1), f.tracker.Calls(metrics.SourceCategories, metrics.KindBatch))
	report := f.tracker.Report()
	assert.Equal(t, int64(1), report.CacheHits)
	assert.Equal(t, int64(2), report.CacheMisses)
	assert.Equal(t, 3, report.UniqueCategories)
}

func TestBatchAllCachedIssuesNoRequest(t *testing.T) {
	f := newFixture(t, signer.NewBearer("t"))
	for _, id := range []int{4, 5} {
		f.store.Put(context.Background(), strconv.Itoa(id), category(id))
	}

	got, err := f.resolver.Batch(context.Background(), []int{4, 5})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 0, f.mock.GetTotalCallCount())
}

func TestBatchFallsBackToResolvableSubset(t *testing.T) {
	f := newFixture(t, signer.NewBearer("t"))
	f.mock.RegisterResponder(http.MethodGet, listURL, httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))
	f.mock.RegisterResponder(http.MethodGet, singleURL, singleResponder(t, map[int]bool{1: true, 3: true, 5: true}))

	got, err := f.resolver.Batch(context.Background(), []int{1, 2, 3, 4, 5})
	require.NoError(t, err)

	ids := make([]int, 0, len(got))
	for id := range got {
		ids = append(ids, id)
	}
	assert.ElementsMatch(t, []int{1, 3, 5}, ids)
	assert.Equal(t, 3, f.store.Len())
	assert.Equal(t, int64(5), f.tracker.Calls(metrics.SourceCategories, metrics.KindFallback))
	assert.Contains(t, f.tracker.Report().Hints, "category batch fell back to 5 individual requests")
}

func TestBatchFallbackRequestsOverlap(t *testing.T) {
	f := newFixture(t, signer.NewBearer("t"))
	f.mock.RegisterResponder(http.MethodGet, listURL, httpmock.NewStringResponder(http.StatusBadGateway, "down"))

	release := make(chan struct{})
	var inFlight, peak, finished atomic.Int32
	f.mock.RegisterResponder(http.MethodGet, singleURL, func(req *http.Request) (*http.Response, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		id, err := httpmock.GetSubmatchAsInt(req, 1)
		require.NoError(t, err)
		switch id {
		case 1:
			select {
			case <-release:
			case <-time.After(2 * time.Second):
			}
		case 4:
			defer finished.Add(1)
			return httpmock.NewStringResponse(http.StatusNotFound, `{"message":"no such entity"}`), nil
		default:
			time.Sleep(20 * time.Millisecond)
		}
		defer finished.Add(1)
		return jsonResponse(t, category(int(id))), nil
	})

	type batchResult struct {
		got map[int]models.Category
		err error
	}
	done := make(chan batchResult, 1)
	go func() {
		got, err := f.resolver.Batch(context.Background(), []int{1, 2, 3, 4})
		done <- batchResult{got, err}
	}()

	// The slow id does not hold back its siblings.
	assert.Eventually(t, func() bool { return finished.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.Len(t, res.got, 3)
	assert.NotContains(t, res.got, 4)
	assert.Greater(t, peak.Load(), int32(1), "fallback requests should overlap")
}

func TestBatchMissingFromResponseIsAbsent(t *testing.T) {
	f := newFixture(t, signer.NewBearer("t"))
	f.mock.RegisterResponder(http.MethodGet, listURL,
		httpmock.NewJsonResponderOrPanic(http.StatusOK, models.CategoryPage{Items: []models.Category{category(7), category(99)}}))

	got, err := f.resolver.Batch(context.Background(), []int{7, 8})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, 7)
	assert.Equal(t, 1, f.store.Len(), "unrequested ids are not cached")
}

func TestBatchCredentialsMissing(t *testing.T) {
	f := newFixture(t, signer.NewBearer(""))

	_, err := f.resolver.Batch(context.Background(), []int{1})
	assert.True(t, signer.IsCredentialsMissing(err))
	assert.Equal(t, 0, f.mock.GetTotalCallCount())
}

func TestBatchCancelledWritesNothing(t *testing.T) {
	f := newFixture(t, signer.NewBearer("t"))
	ctx, cancel := context.WithCancel(context.Background())

	f.mock.RegisterResponder(http.MethodGet, listURL, func(req *http.Request) (*http.Response, error) {
		cancel()
		return jsonResponse(t, models.CategoryPage{Items: []models.Category{category(1)}}), nil
	})

	_, err := f.resolver.Batch(ctx, []int{1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.store.Len())
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	f := newFixture(t, signer.NewBearer("t"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.mock.RegisterResponder(http.MethodGet, singleURL, func(req *http.Request) (*http.Response, error) {
		once.Do(func() { close(entered) })
		<-release
		return jsonResponse(t, category(42)), nil
	})

	results := make([]models.Category, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = f.resolver.ByID(context.Background(), 42)
	}()

	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = f.resolver.ByID(context.Background(), 42)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, 1, f.mock.GetTotalCallCount())
	assert.Equal(t, 1, f.store.Len())
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	f := newFixture(t, signer.NewBearer("t"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.mock.RegisterResponder(http.MethodGet, singleURL, func(req *http.Request) (*http.Response, error) {
		once.Do(func() { close(entered) })
		<-release
		return jsonResponse(t, category(42)), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	var (
		first, second       error
		secondCategory      models.Category
		firstDone, bothDone sync.WaitGroup
	)
	firstDone.Add(1)
	bothDone.Add(2)
	go func() {
		defer bothDone.Done()
		defer firstDone.Done()
		_, first = f.resolver.ByID(ctx, 42)
	}()

	<-entered
	go func() {
		defer bothDone.Done()
		secondCategory, second = f.resolver.ByID(context.Background(), 42)
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	firstDone.Wait()
	close(release)
	bothDone.Wait()

	assert.ErrorIs(t, first, context.Canceled)
	require.NoError(t, second)
	assert.Equal(t, "Category 42", secondCategory.Name)
	assert.Equal(t, 1, f.mock.GetTotalCallCount())
	assert.Equal(t, 0, f.store.Len(), "a cancelled starter does not cache")
}

func TestListWarmsCache(t *testing.T) {
	f := newFixture(t, signer.NewBearer("t"))
	f.mock.RegisterResponder(http.MethodGet, listURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "2", req.URL.Query().Get("searchCriteria[currentPage]"))
		return jsonResponse(t, models.CategoryPage{
			Items:      []models.Category{category(10), category(11), {ID: 0, Name: "broken"}},
			TotalCount: 30,
		}), nil
	})

	page, err := f.resolver.List(context.Background(), 2, 2)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 30, page.TotalCount)

	c, err := f.resolver.ByID(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, "Category 11", c.Name)
	assert.Equal(t, 1, f.mock.GetTotalCallCount())
}

func TestTreeUsesLongerTTLAndWarmsSingles(t *testing.T) {
	f := newFixture(t, signer.NewBearer("t"))
	parent := 2
	tree := models.CategoryTree{
		Category: models.Category{ID: 2, Name: "Default"},
		Children: []models.CategoryTree{
			{Category: models.Category{ID: 3, Name: "Gear", ParentID: &parent}},
			{Category: models.Category{ID: 4, Name: "Men", ParentID: &parent}},
		},
	}
	f.mock.RegisterResponder(http.MethodGet, treeURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "2", req.URL.Query().Get("rootCategoryId"))
		return jsonResponse(t, tree), nil
	})

	got, err := f.resolver.Tree(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, got.Children, 2)
	assert.Equal(t, 3, f.store.Len())

	// Single entries expire before the tree does.
	f.now = f.now.Add(DefaultCategoryTTL + time.Minute)
	_, err = f.resolver.Tree(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, f.mock.GetTotalCallCount())

	_, ok := f.store.Get(context.Background(), "3", DefaultCategoryTTL)
	assert.False(t, ok)

	f.now = f.now.Add(DefaultTreeTTL)
	_, err = f.resolver.Tree(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, f.mock.GetTotalCallCount())
}

func TestTreePropagatesFailure(t *testing.T) {
	f := newFixture(t, signer.NewBearer("t"))
	f.mock.RegisterResponder(http.MethodGet, treeURL, httpmock.NewStringResponder(http.StatusBadGateway, ""))

	_, err := f.resolver.Tree(context.Background(), 2)
	var upstream transport.ErrUpstreamUnavailable
	assert.True(t, errors.As(err, &upstream), "got %v", err)
	assert.Equal(t, 0, f.trees.Len())
}
