package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/event-seat-allocation/internal/config"
)

// Key scopes for seat pick limiting.
const (
	ScopeBuyerEvent = "buyer_event" // one bucket per buyer and event
	ScopeBuyer      = "buyer"       // one bucket per buyer across events
	ScopeEvent      = "event"       // one bucket shared by everyone picking on an event
	ScopeIP         = "ip"
)

// takeScript refills the bucket in whole intervals and takes one token.
//
// KEYS[1] bucket hash.  ARGV: now_ms, capacity, tokens per interval,
// interval_ms, ttl_ms.  Returns {allowed, tokens left, wait_ms}.
var takeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local per = tonumber(ARGV[3])
local every = tonumber(ARGV[4])

local b = redis.call('HMGET', KEYS[1], 't', 'at')
local tokens = tonumber(b[1]) or cap
local at = tonumber(b[2]) or now

local steps = math.floor(math.max(0, now - at) / every)
if steps > 0 then
  tokens = math.min(cap, tokens + steps * per)
  at = at + steps * every
end

local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = every - (now - at)
end

redis.call('HSET', KEYS[1], 't', tokens, 'at', at)
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[5]))
if wait > 0 then
  return {0, tokens, wait}
end
return {1, tokens, 0}
`)

type pickLimiter struct {
	cfg config.RateLimitConfig
	rdb *redis.Client
}

type decision struct {
	allowed bool
	left    int64
	wait    time.Duration
}

func (l pickLimiter) take(ctx context.Context, key string) (decision, error) {
	vals, err := takeScript.Run(ctx, l.rdb, []string{key},
		time.Now().UnixMilli(),
		l.cfg.Capacity,
		l.cfg.RefillTokens,
		l.cfg.RefillInterval.Milliseconds(),
		l.cfg.TTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return decision{}, err
	}
	if len(vals) != 3 {
		return decision{}, redis.Nil
	}
	return decision{allowed: vals[0] == 1, left: vals[1], wait: time.Duration(vals[2]) * time.Millisecond}, nil
}

// NewTokenBucket limits seat picks with a redis token bucket keyed by the
// configured scope.  Without a client, or when disabled, it is a no-op.
// Redis errors let the request through.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	lim := pickLimiter{cfg: cfg, rdb: rdb}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := pickKey(cfg, c)
			d, err := lim.take(c.Request().Context(), key)
			if err != nil {
				if cfg.Debug {
					c.Logger().Warnf("ratelimit: key=%s: %v", key, err)
				}
				return next(c)
			}
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.left, 10))
			if d.allowed {
				return next(c)
			}
			secs := int(math.Ceil(d.wait.Seconds()))
			h.Set("Retry-After", strconv.Itoa(secs))
			if cfg.Debug {
				c.Logger().Infof("ratelimit: blocked key=%s wait=%s", key, d.wait)
			}
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"error":       "too many seat picks, slow down",
				"retry_after": secs,
			})
		}
	}
}

// pickKey builds e.g. rl:pick:event:ev-1:buyer:b1.
func pickKey(cfg config.RateLimitConfig, c echo.Context) string {
	event := c.Param("id")
	if event == "" {
		event = "-"
	}
	parts := []string{cfg.Prefix, "pick"}
	switch strings.ToLower(cfg.KeyStrategy) {
	case ScopeBuyer:
		parts = append(parts, "buyer", rateIdentity(c))
	case ScopeEvent:
		parts = append(parts, "event", event)
	case ScopeIP:
		ip := c.RealIP()
		if ip == "" {
			ip = "unknown"
		}
		parts = append(parts, "ip", ip)
	default:
		parts = append(parts, "event", event, "buyer", rateIdentity(c))
	}
	return strings.Join(parts, ":")
}
