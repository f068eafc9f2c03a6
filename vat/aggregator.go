package vat

import (
	"context"
	"time"

	"github.com/mmdatafocus/bookkeeping_core/config"
	"github.com/mmdatafocus/bookkeeping_core/models"
	"github.com/mmdatafocus/bookkeeping_core/store"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("bookkeeping_core/vat")

// Cache stores declarations between requests. Cache failures degrade to
// recomputation and are never returned to callers.
//
// Each cached month has a generation counter. Invalidate bumps it, and an
// entry is served only while its generation is current, so a declaration
// computed before a posting committed is never served after it.
type Cache interface {
	Get(key string, dest interface{}) (bool, error)
	Set(key string, value interface{}, ttl time.Duration) error
	Delete(keys ...string) error
	Generation(key string) (int64, error)
	Bump(key string) error
}

// RedisCache is the Cache backed by the shared redis client.
type RedisCache struct{}

func (RedisCache) Get(key string, dest interface{}) (bool, error) {
	return config.GetRedisObject(key, dest)
}

func (RedisCache) Set(key string, value interface{}, ttl time.Duration) error {
	return config.SetRedisObject(key, value, ttl)
}

func (RedisCache) Delete(keys ...string) error {
	return config.RemoveRedisKey(keys...)
}

func (RedisCache) Generation(key string) (int64, error) {
	return config.GetRedisCounter(key)
}

func (RedisCache) Bump(key string) error {
	_, err := config.IncrRedisCounter(key)
	return err
}

type cachedDeclaration struct {
	Generation  int64        `json:"generation"`
	Declaration *Declaration `json:"declaration"`
}

type Aggregator struct {
	reader store.Reader
	cache  Cache
	ttl    time.Duration
	logger *logrus.Logger
}

// NewAggregator builds an aggregator. cache may be nil.
func NewAggregator(r store.Reader, cache Cache, ttl time.Duration, logger *logrus.Logger) *Aggregator {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Aggregator{reader: r, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(businessId, period string) string {
	return "vat:declaration:" + businessId + ":" + period
}

func generationKey(businessId, period string) string {
	return "vat:declaration:gen:" + businessId + ":" + period
}

// Declare returns the declaration for the calendar month "YYYY-MM".
func (a *Aggregator) Declare(ctx context.Context, businessId, period string) (*Declaration, error) {
	start, end, err := ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	month := start.Format(periodLayout)
	key := cacheKey(businessId, month)
	useCache := a.cache != nil
	var gen int64
	if useCache {
		// read before the ledger so a concurrent Invalidate outdates what we store
		if gen, err = a.cache.Generation(generationKey(businessId, month)); err != nil {
			a.logger.WithFields(logrus.Fields{"field": "Vat", "key": key}).Warn("declaration cache generation read failed: " + err.Error())
			useCache = false
		}
	}
	if useCache {
		var cached cachedDeclaration
		ok, err := a.cache.Get(key, &cached)
		if err != nil {
			a.logger.WithFields(logrus.Fields{"field": "Vat", "key": key}).Warn("declaration cache read failed: " + err.Error())
		} else if ok && cached.Generation == gen && cached.Declaration != nil {
			return cached.Declaration, nil
		}
	}

	d, err := a.DeclareRange(ctx, businessId, start, end)
	if err != nil {
		return nil, err
	}
	d.Period = month
	if useCache {
		if err := a.cache.Set(key, cachedDeclaration{Generation: gen, Declaration: d}, a.ttl); err != nil {
			a.logger.WithFields(logrus.Fields{"field": "Vat", "key": key}).Warn("declaration cache write failed: " + err.Error())
		}
	}
	return d, nil
}

// DeclareRange aggregates the half-open range [start, end) without caching.
func (a *Aggregator) DeclareRange(ctx context.Context, businessId string, start, end time.Time) (*Declaration, error) {
	ctx, span := tracer.Start(ctx, "vat.DeclareRange")
	defer span.End()
	span.SetAttributes(
		attribute.String("business_id", businessId),
		attribute.String("start", start.Format(time.DateOnly)),
		attribute.String("end", end.Format(time.DateOnly)),
	)

	start, end = models.DateOnly(start), models.DateOnly(end)
	if end.Before(start) {
		return nil, models.ErrInvalidPeriod
	}
	vs, err := a.reader.ListVerifications(ctx, store.VerificationFilter{BusinessId: businessId, From: &start, To: &end})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return Aggregate(businessId, start, end, vs), nil
}

// Invalidate drops the cached declaration of the month containing date.
func (a *Aggregator) Invalidate(_ context.Context, businessId string, date time.Time) {
	if a.cache == nil {
		return
	}
	month := date.Format(periodLayout)
	key := cacheKey(businessId, month)
	if err := a.cache.Bump(generationKey(businessId, month)); err != nil {
		a.logger.WithFields(logrus.Fields{"field": "Vat", "key": key}).Warn("declaration cache generation bump failed: " + err.Error())
	}
	if err := a.cache.Delete(key); err != nil {
		a.logger.WithFields(logrus.Fields{"field": "Vat", "key": key}).Warn("declaration cache invalidation failed: " + err.Error())
	}
}
