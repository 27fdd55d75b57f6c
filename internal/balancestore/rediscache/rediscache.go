// Package rediscache implements the transactional aggregate cache on
// Redis. Each aggregate is one hash; the multi-grant compare-and-apply is
// a single server-side Lua script, so two racing mutations for the same
// customer are never interleaved field-by-field.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/ration/internal/balancestore"
	"github.com/smallbiznis/ration/internal/entitlement/domain"
)

const (
	// Keys embed the org id as the hash tag so every customer of one org
	// lands on the same cluster partition; batch invalidation is then
	// atomic per partition.
	keyAggregate = "ration:agg:{%s}:%s"
	keyGuard     = "ration:guard:{%s}:%s"

	fieldMeta          = "meta"
	fieldGrantPrefix   = "g:"
	fieldResetPrefix   = "nr:"
	fieldVersionPrefix = "rv:"

	defaultTTL      = 24 * time.Hour
	defaultGuardTTL = 5 * time.Second
)

// compareAndApplyScript checks the delete guard, then every grant's
// revision and reset token, and only then writes the whole batch. ARGV
// layout:
//
//	ARGV[1] = ttl millis, ARGV[2] = n updates, then per update a
//	quintuple: grant id, expected revision, expected token, new token,
//	update JSON.
//
// Returns "ok", "guarded", "missing" or "stale".
const compareAndApplyScript = `
if redis.call("EXISTS", KEYS[2]) == 1 then
  return "guarded"
end
if redis.call("EXISTS", KEYS[1]) == 0 then
  return "missing"
end

local n = tonumber(ARGV[2])
for i = 0, n - 1 do
  local id = ARGV[3 + i*5]
  local rev = redis.call("HGET", KEYS[1], "rv:" .. id)
  local tok = redis.call("HGET", KEYS[1], "nr:" .. id)
  if rev == false or tok == false then
    return "missing"
  end
  if rev ~= ARGV[4 + i*5] then
    return "stale"
  end
  if tok ~= ARGV[5 + i*5] then
    return "stale"
  end
end

for i = 0, n - 1 do
  local id = ARGV[3 + i*5]
  local raw = redis.call("HGET", KEYS[1], "g:" .. id)
  local cur = cjson.decode(raw)
  local upd = cjson.decode(ARGV[7 + i*5])
  for k, v in pairs(upd) do
    cur[k] = v
  end
  cur["next_reset_at"] = nil
  if ARGV[6 + i*5] ~= "" then
    cur["next_reset_at"] = ARGV[6 + i*5]
  end
  redis.call("HSET", KEYS[1], "g:" .. id, cjson.encode(cur))
  redis.call("HSET", KEYS[1], "nr:" .. id, ARGV[6 + i*5])
  redis.call("HSET", KEYS[1], "rv:" .. id, tostring(cur["version"]))
end

redis.call("PEXPIRE", KEYS[1], ARGV[1])
return "ok"
`

type meta struct {
	OrgID      snowflake.ID       `json:"org_id"`
	CustomerID snowflake.ID       `json:"customer_id"`
	Env        string             `json:"env"`
	Settings   domain.OrgSettings `json:"settings"`
}

// updateDoc is the mutable-field subset merged into the cached grant JSON
// by the Lua script. Every field is explicit so a re-application writes
// identical state.
type updateDoc struct {
	Version                  int64                            `json:"version"`
	Balance                  float64                          `json:"balance"`
	AdditionalBalance        float64                          `json:"additional_balance"`
	AdditionalGrantedBalance float64                          `json:"additional_granted_balance"`
	Adjustment               float64                          `json:"adjustment"`
	Rollovers                []domain.Rollover                `json:"rollovers"`
	Entities                 map[string]*domain.EntityBalance `json:"entities"`
}

// docFor builds the merge document. Empty slices and maps are normalized
// to nil so they marshal as JSON null: server-side cjson re-encodes an
// empty array as an object, which a later Get could no longer decode into
// the grant's slice fields.
func docFor(u domain.GrantUpdate) updateDoc {
	doc := updateDoc{
		Version:                  u.Version,
		Balance:                  u.Balance,
		AdditionalBalance:        u.AdditionalBalance,
		AdditionalGrantedBalance: u.AdditionalGrantedBalance,
		Adjustment:               u.Adjustment,
	}
	if len(u.Rollovers) > 0 {
		doc.Rollovers = u.Rollovers
	}
	if len(u.Entities) > 0 {
		doc.Entities = u.Entities
	}
	return doc
}

type Config struct {
	TTL      time.Duration
	GuardTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.GuardTTL <= 0 {
		c.GuardTTL = defaultGuardTTL
	}
	return c
}

type Store struct {
	client *redis.Client
	script *redis.Script
	cfg    Config
}

var _ balancestore.Cache = (*Store)(nil)

func New(client *redis.Client, cfg Config) *Store {
	return &Store{
		client: client,
		script: redis.NewScript(compareAndApplyScript),
		cfg:    cfg.withDefaults(),
	}
}

func aggKey(orgID, customerID snowflake.ID) string {
	return fmt.Sprintf(keyAggregate, orgID.String(), customerID.String())
}

func guardKey(orgID, customerID snowflake.ID) string {
	return fmt.Sprintf(keyGuard, orgID.String(), customerID.String())
}

func resetToken(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Store) Get(ctx context.Context, orgID, customerID snowflake.ID) (*domain.CustomerAggregate, error) {
	fields, err := s.client.HGetAll(ctx, aggKey(orgID, customerID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotCached
	}

	rawMeta, ok := fields[fieldMeta]
	if !ok {
		return nil, domain.ErrNotCached
	}
	var m meta
	if err := json.Unmarshal([]byte(rawMeta), &m); err != nil {
		return nil, err
	}

	agg := &domain.CustomerAggregate{
		OrgID:      m.OrgID,
		CustomerID: m.CustomerID,
		Env:        m.Env,
		Settings:   m.Settings,
	}
	for field, raw := range fields {
		if !strings.HasPrefix(field, fieldGrantPrefix) {
			continue
		}
		var g domain.Grant
		if err := json.Unmarshal([]byte(raw), &g); err != nil {
			return nil, err
		}
		agg.Grants = append(agg.Grants, g)
	}
	return agg, nil
}

func (s *Store) Put(ctx context.Context, agg *domain.CustomerAggregate) error {
	guarded, err := s.client.Exists(ctx, guardKey(agg.OrgID, agg.CustomerID)).Result()
	if err != nil {
		return err
	}
	if guarded > 0 {
		return domain.ErrGuarded
	}

	rawMeta, err := json.Marshal(meta{
		OrgID:      agg.OrgID,
		CustomerID: agg.CustomerID,
		Env:        agg.Env,
		Settings:   agg.Settings,
	})
	if err != nil {
		return err
	}

	values := make([]any, 0, 2+6*len(agg.Grants))
	values = append(values, fieldMeta, rawMeta)
	for _, g := range agg.Grants {
		raw, err := json.Marshal(g)
		if err != nil {
			return err
		}
		values = append(values,
			fieldGrantPrefix+g.ID.String(), raw,
			fieldResetPrefix+g.ID.String(), resetToken(g.NextResetAt),
			fieldVersionPrefix+g.ID.String(), strconv.FormatInt(g.Version, 10),
		)
	}

	key := aggKey(agg.OrgID, agg.CustomerID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, values...)
	pipe.PExpire(ctx, key, s.cfg.TTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) CompareAndApply(ctx context.Context, orgID, customerID snowflake.ID, updates []domain.GrantUpdate) error {
	argv := make([]any, 0, 2+5*len(updates))
	argv = append(argv, int64(s.cfg.TTL/time.Millisecond), len(updates))
	for _, u := range updates {
		doc, err := json.Marshal(docFor(u))
		if err != nil {
			return err
		}
		argv = append(argv,
			u.GrantID.String(),
			strconv.FormatInt(u.ExpectedVersion, 10),
			resetToken(u.ExpectedNextResetAt),
			resetToken(u.NextResetAt),
			doc,
		)
	}

	keys := []string{aggKey(orgID, customerID), guardKey(orgID, customerID)}
	res, err := s.script.Run(ctx, s.client, keys, argv...).Text()
	if err != nil {
		return err
	}
	switch res {
	case "ok":
		return nil
	case "guarded":
		return domain.ErrGuarded
	case "missing":
		return domain.ErrNotCached
	case "stale":
		return domain.ErrStaleWrite
	default:
		return errors.New("unexpected compare-and-apply response: " + res)
	}
}

func (s *Store) Invalidate(ctx context.Context, orgID snowflake.ID, customerIDs []snowflake.ID) error {
	if len(customerIDs) == 0 {
		return nil
	}
	// Guard first, delete second. All keys share the org hash tag, so the
	// pipeline stays on one partition.
	pipe := s.client.TxPipeline()
	for _, id := range customerIDs {
		pipe.Set(ctx, guardKey(orgID, id), "1", s.cfg.GuardTTL)
	}
	for _, id := range customerIDs {
		pipe.Del(ctx, aggKey(orgID, id))
	}
	_, err := pipe.Exec(ctx)
	return err
}
