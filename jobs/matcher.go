package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// The matcher is a server-side Lua routine so that the whole
// observe-then-claim sequence executes atomically with respect to every
// other matcher call. A client-side WATCH loop cannot protect the scan
// window: between reading the top of the pending index and removing a
// candidate, another worker may claim it, and optimistic retries would
// reintroduce secondary ordering. Redis executes scripts single-threaded,
// which is exactly the contract we need.
//
// The script receives the worker's capability snapshot as JSON and walks up
// to maxScan candidates from the top of jobs:pending. The first job whose
// requirements the worker satisfies is claimed: removed from the index
// (with a ZREM guard against a concurrent claim), marked assigned, inserted
// into jobs:active:{worker}, reflected on the worker record, and given an
// initial progress entry. Tie-breaks come solely from the encoded score;
// the scan introduces no randomness.
var matchScript = redis.NewScript(`
local pending = KEYS[1]
local caps = cjson.decode(ARGV[1])
local maxscan = tonumber(ARGV[2])
local now = ARGV[3]
local workerID = caps['worker_id']

local function contains(list, want)
  if type(list) ~= 'table' then return false end
  for _, v in ipairs(list) do
    if v == want then return true end
  end
  return false
end

local function subset(req, have)
  if type(have) ~= 'table' then return false end
  local set = {}
  for _, v in ipairs(have) do set[tostring(v)] = true end
  for _, v in ipairs(req) do
    if not set[tostring(v)] then return false end
  end
  return true
end

local function lookup(tree, path)
  local node = tree
  for part in string.gmatch(path, '[^%.]+') do
    if type(node) ~= 'table' then return nil end
    node = node[part]
  end
  return node
end

-- value_matches applies the structural comparison rules: numeric required
-- values use >=, arrays require subset containment, objects compare
-- member-wise, everything else compares by equality. A key missing on the
-- worker never matches.
local function value_matches(reqv, havev)
  if havev == nil then return false end
  if type(reqv) == 'number' then
    return type(havev) == 'number' and havev >= reqv
  end
  if type(reqv) == 'table' then
    if #reqv > 0 then
      return subset(reqv, havev)
    end
    if type(havev) ~= 'table' then return false end
    for k, v in pairs(reqv) do
      if not value_matches(v, havev[k]) then return false end
    end
    return true
  end
  return reqv == havev
end

local function matches(job, req)
  local svc = job['service_required']
  if not contains(caps['services'], svc) then return false end
  if req == nil then return true end

  local hw = req['hardware']
  if type(hw) == 'table' then
    for field, minv in pairs(hw) do
      if minv ~= 'all' then
        local have = lookup(caps, 'hardware.' .. field)
        if type(have) ~= 'number' or type(minv) ~= 'number' or have < minv then
          return false
        end
      end
    end
  end

  local access = caps['customer_access'] or {}
  if req['customer_isolation'] == 'strict' and access['isolation'] ~= 'strict' then
    return false
  end
  local customer = job['customer_id']
  if customer and customer ~= '' then
    local allowed = access['allowed_customers']
    if type(allowed) == 'table' and #allowed > 0 and not contains(allowed, customer) then
      return false
    end
    local denied = access['denied_customers']
    if type(denied) == 'table' and contains(denied, customer) then
      return false
    end
  end

  local models = req['models']
  if type(models) == 'table' and #models > 0 then
    local have = lookup(caps, 'models') or {}
    if not subset(models, have[svc]) then return false end
  end

  local custom = req['custom']
  if type(custom) == 'table' then
    for key, reqv in pairs(custom) do
      local havev = lookup(caps['custom'] or {}, key)
      if havev == nil then havev = lookup(caps, key) end
      if not value_matches(reqv, havev) then return false end
    end
  end

  return true
end

local ids = redis.call('ZREVRANGE', pending, 0, maxscan - 1)
for _, jid in ipairs(ids) do
  local jkey = 'job:' .. jid
  local flat = redis.call('HGETALL', jkey)
  if #flat > 0 then
    local job = {}
    for i = 1, #flat, 2 do job[flat[i]] = flat[i + 1] end
    local req = nil
    if job['requirements'] and job['requirements'] ~= '' then
      req = cjson.decode(job['requirements'])
    end
    if matches(job, req) then
      if redis.call('ZREM', pending, jid) == 1 then
        redis.call('HSET', jkey,
          'status', 'assigned',
          'worker_id', workerID,
          'assigned_at', now)
        job['status'] = 'assigned'
        job['worker_id'] = workerID
        job['assigned_at'] = now
        redis.call('HSET', 'jobs:active:' .. workerID, jid, cjson.encode(job))
        redis.call('HSET', 'worker:' .. workerID,
          'status', 'busy',
          'current_job_id', jid)
        local entry = cjson.encode({
          percent = 0,
          status = 'assigned',
          worker_id = workerID,
          timestamp = tonumber(now),
        })
        redis.call('XADD', 'progress:' .. jid, '*', 'entry', entry)
        return cjson.encode(job)
      end
    end
  end
end
return false
`)

// DefaultMaxScan bounds how deep one matcher call looks into the pending
// index. Jobs below the window wait for a later poll.
const DefaultMaxScan = 50

// FindAndClaim atomically finds the highest-priority pending job the given
// capabilities satisfy and claims it for that worker. Returns (nil, nil)
// when nothing within the scan window matches.
func (s *Store) FindAndClaim(ctx context.Context, caps *WorkerCapabilities, maxScan int) (*Job, error) {
	if maxScan <= 0 {
		maxScan = DefaultMaxScan
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}

	res, err := matchScript.Run(ctx, s.Redis,
		[]string{PendingKey()},
		string(capsJSON), maxScan, fmt.Sprintf("%d", NowMillis()),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matcher script: %w", err)
	}

	raw, ok := res.(string)
	if !ok || raw == "" {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("decode claimed job: %w", err)
	}
	job, err := jobFromHash(h)
	if err != nil {
		return nil, err
	}
	s.Logger.Info().LogActivity("Job claimed by matcher", map[string]any{
		"jobId":    job.ID,
		"workerId": caps.WorkerID,
		"service":  job.ServiceRequired,
	})
	return job, nil
}
