package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/event-seat-allocation/internal/model"
)

// commitScript checks every expected version, then writes all seats, bumps
// their versions and publishes the change set in one atomic step.
//
// KEYS[1] seat data hash, KEYS[2] seat version hash.
// ARGV[1] change channel, ARGV[2] "1" to skip version checks,
// then (id, expected version, seat json) triples.
var commitScript = redis.NewScript(`
	local n = (#ARGV - 2) / 3
	if ARGV[2] ~= '1' then
		for i = 0, n - 1 do
			local base = 3 + i * 3
			local cur = redis.call('HGET', KEYS[2], ARGV[base])
			if cur == false then cur = '0' end
			if cur ~= ARGV[base + 1] then
				return 0
			end
		end
	end
	local lines = {}
	for i = 0, n - 1 do
		local base = 3 + i * 3
		redis.call('HSET', KEYS[1], ARGV[base], ARGV[base + 2])
		local ver = redis.call('HINCRBY', KEYS[2], ARGV[base], 1)
		lines[#lines + 1] = ARGV[base] .. ' ' .. ver .. ' ' .. ARGV[base + 2]
	end
	redis.call('PUBLISH', ARGV[1], table.concat(lines, '\n'))
	return 1
`)

// RedisStore keeps one data hash and one version hash per event.  Both keys
// share the {event} hash tag so scripts stay single-slot on a cluster.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

func (r *RedisStore) dataKey(eventID string) string    { return fmt.Sprintf("seats:{%s}", eventID) }
func (r *RedisStore) versionKey(eventID string) string { return fmt.Sprintf("seatver:{%s}", eventID) }
func (r *RedisStore) channel(eventID string) string    { return fmt.Sprintf("seats:{%s}:changes", eventID) }

func (r *RedisStore) Insert(ctx context.Context, eventID string, seats []model.Seat) error {
	if len(seats) == 0 {
		return nil
	}
	writes := make([]VersionedSeat, len(seats))
	for i, s := range seats {
		writes[i] = VersionedSeat{Seat: s}
	}
	_, err := r.eval(ctx, eventID, writes, true)
	return err
}

func (r *RedisStore) Load(ctx context.Context, eventID string, ids []string) ([]VersionedSeat, error) {
	if len(ids) == 0 {
		return []VersionedSeat{}, nil
	}
	var dataCmd, verCmd *redis.SliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		dataCmd = p.HMGet(ctx, r.dataKey(eventID), ids...)
		verCmd = p.HMGet(ctx, r.versionKey(eventID), ids...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	data, vers := dataCmd.Val(), verCmd.Val()
	out := make([]VersionedSeat, 0, len(ids))
	for i, id := range ids {
		raw, ok := data[i].(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrSeatNotFound, eventID, id)
		}
		verStr, _ := vers[i].(string)
		v, err := decodeVersioned(raw, verStr)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *RedisStore) List(ctx context.Context, eventID string) ([]VersionedSeat, error) {
	var dataCmd, verCmd *redis.MapStringStringCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		dataCmd = p.HGetAll(ctx, r.dataKey(eventID))
		verCmd = p.HGetAll(ctx, r.versionKey(eventID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	data, vers := dataCmd.Val(), verCmd.Val()
	out := make([]VersionedSeat, 0, len(data))
	for id, raw := range data {
		v, err := decodeVersioned(raw, vers[id])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seat.ID < out[j].Seat.ID })
	return out, nil
}

func (r *RedisStore) ListExpired(ctx context.Context, eventID string, now time.Time) ([]VersionedSeat, error) {
	all, err := r.List(ctx, eventID)
	if err != nil {
		return nil, err
	}
	var out []VersionedSeat
	for _, v := range all {
		if v.Seat.LockExpiredAt(now) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *RedisStore) Commit(ctx context.Context, eventID string, writes []VersionedSeat) error {
	if len(writes) == 0 {
		return nil
	}
	ok, err := r.eval(ctx, eventID, writes, false)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStale
	}
	return nil
}

// Subscribe confirms the pub/sub subscription before taking the snapshot so
// no commit can fall between the two.
func (r *RedisStore) Subscribe(ctx context.Context, eventID string) (<-chan []VersionedSeat, error) {
	ps := r.rdb.Subscribe(ctx, r.channel(eventID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	snapshot, err := r.List(ctx, eventID)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}
	out := make(chan []VersionedSeat, 1)
	out <- snapshot
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				batch, err := decodeChanges(msg.Payload)
				if err != nil || len(batch) == 0 {
					continue
				}
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisStore) eval(ctx context.Context, eventID string, writes []VersionedSeat, force bool) (bool, error) {
	flag := "0"
	if force {
		flag = "1"
	}
	args := make([]interface{}, 0, 2+len(writes)*3)
	args = append(args, r.channel(eventID), flag)
	for _, w := range writes {
		raw, err := json.Marshal(w.Seat)
		if err != nil {
			return false, err
		}
		args = append(args, w.Seat.ID, strconv.FormatUint(w.Version, 10), string(raw))
	}
	res, err := commitScript.Run(ctx, r.rdb, []string{r.dataKey(eventID), r.versionKey(eventID)}, args...).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func decodeVersioned(raw, ver string) (VersionedSeat, error) {
	var v VersionedSeat
	if err := json.Unmarshal([]byte(raw), &v.Seat); err != nil {
		return v, fmt.Errorf("decode seat: %w", err)
	}
	if ver != "" {
		n, err := strconv.ParseUint(ver, 10, 64)
		if err != nil {
			return v, fmt.Errorf("decode version %q: %w", ver, err)
		}
		v.Version = n
	}
	return v, nil
}

// decodeChanges parses the "id version json" lines published by
// commitScript.
func decodeChanges(payload string) ([]VersionedSeat, error) {
	var out []VersionedSeat
	for _, line := range strings.Split(payload, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed change line %q", line)
		}
		v, err := decodeVersioned(parts[2], parts[1])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
