package valkey

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Each script returns a status string (or a count) that the Go side maps to
// storage sentinel errors. Helper functions are prepended to every script so
// index maintenance is written once.
//
// Scripts build secondary key names from the prefix passed in ARGV, which
// ties the store to a single primary.

// luaHelpers is shared by the mutating scripts.
//
//   - taken(p, fp): true if fp already names a code, access or refresh token
//   - owned(p, fp, id): true if fp names a code or a token of a grant other than id
//   - install(p, g, ttl): writes grant g and its indexes, ttl in ms (0 = no expiry)
//   - remove(p, g): deletes grant g and its indexes
const luaHelpers = `
local function taken(p, fp)
    return redis.call('EXISTS', p .. 'code:' .. fp, p .. 'access:' .. fp, p .. 'refresh:' .. fp) > 0
end

local function owned(p, fp, id)
    if redis.call('EXISTS', p .. 'code:' .. fp) == 1 then
        return true
    end
    for _, ns in ipairs({'access:', 'refresh:'}) do
        local owner = redis.call('GET', p .. ns .. fp)
        if owner and owner ~= id then
            return true
        end
    end
    return false
end

local function install(p, g, ttl)
    local body = cjson.encode(g)
    if ttl > 0 then
        redis.call('SET', p .. 'grant:' .. g.id, body, 'PX', ttl)
        redis.call('SET', p .. 'access:' .. g.access_fp, g.id, 'PX', ttl)
    else
        redis.call('SET', p .. 'grant:' .. g.id, body)
        redis.call('SET', p .. 'access:' .. g.access_fp, g.id)
    end
    if g.refresh_fp ~= '' then
        redis.call('SET', p .. 'refresh:' .. g.refresh_fp, g.id)
    end
    redis.call('SADD', g.subject_key, g.id)
end

local function remove(p, g)
    redis.call('DEL', p .. 'grant:' .. g.id, p .. 'access:' .. g.access_fp)
    if g.refresh_fp ~= '' then
        redis.call('DEL', p .. 'refresh:' .. g.refresh_fp)
    end
    redis.call('SREM', g.subject_key, g.id)
end
`

// luaPutCode inserts a code unless its value is in use.
//
// KEYS[1] = code key
// ARGV[1] = code JSON, ARGV[2] = ttl ms, ARGV[3] = now ms, ARGV[4] = prefix, ARGV[5] = code fp
//
// Returns "OK" or "DUPLICATE". An existing code that is already expired is replaced.
const luaPutCode = luaHelpers + `
local p = ARGV[4]
local existing = redis.call('GET', KEYS[1])
if existing then
    local c = cjson.decode(existing)
    if tonumber(ARGV[3]) < tonumber(c.expires_at) then
        return 'DUPLICATE'
    end
    redis.call('DEL', KEYS[1])
end
if taken(p, ARGV[5]) then
    return 'DUPLICATE'
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
return 'OK'
`

// luaExchangeCode consumes a code and installs the grant built from it.
//
// KEYS[1] = code key
// ARGV[1] = now ms, ARGV[2] = client id, ARGV[3] = redirect URI,
// ARGV[4] = grant template JSON, ARGV[5] = grant ttl ms, ARGV[6] = prefix
//
// Returns:
//   - the code JSON on success
//   - "NOT_FOUND" / "EXPIRED" (an expired code is deleted)
//   - "DUPLICATE" when a new token collides; the code is left in place
//   - "CLIENT_MISMATCH:<json>" / "REDIRECT_MISMATCH:<json>"; the code is consumed
const luaExchangeCode = luaHelpers + `
local p = ARGV[6]
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)
if tonumber(ARGV[1]) >= tonumber(code.expires_at) then
    redis.call('DEL', KEYS[1])
    return 'EXPIRED'
end

local g = cjson.decode(ARGV[4])
if redis.call('EXISTS', p .. 'grant:' .. g.id) == 1 or taken(p, g.access_fp) then
    return 'DUPLICATE'
end
if g.refresh_fp ~= '' and taken(p, g.refresh_fp) then
    return 'DUPLICATE'
end

redis.call('DEL', KEYS[1])

if code.client_id ~= ARGV[2] then
    return 'CLIENT_MISMATCH:' .. data
end
if code.redirect_uri ~= ARGV[3] then
    return 'REDIRECT_MISMATCH:' .. data
end

g.client_id = code.client_id
g.scope = code.scope
g.context_id = code.context_id
g.user_id = code.user_id
g.subject_key = code.subject_key
install(p, g, tonumber(ARGV[5]))

return data
`

// luaPutGrant inserts a grant unless its id or a token value is in use.
//
// ARGV[1] = grant JSON, ARGV[2] = ttl ms, ARGV[3] = prefix
//
// Returns "OK" or "DUPLICATE".
const luaPutGrant = luaHelpers + `
local p = ARGV[3]
local g = cjson.decode(ARGV[1])
if redis.call('EXISTS', p .. 'grant:' .. g.id) == 1 or taken(p, g.access_fp) then
    return 'DUPLICATE'
end
if g.refresh_fp ~= '' and taken(p, g.refresh_fp) then
    return 'DUPLICATE'
end
install(p, g, tonumber(ARGV[2]))
return 'OK'
`

// luaReplaceGrant rotates a grant's token pair if the presented refresh token
// is still live.
//
// KEYS[1] = old refresh key
// ARGV[1] = new grant JSON, ARGV[2] = ttl ms, ARGV[3] = prefix
//
// Returns:
//   - "OK" after retiring the old tokens and installing the new grant
//   - "STALE" if the old refresh token no longer belongs to the grant
//   - "MISMATCH" if the new grant changes client or subject
//   - "DUPLICATE" if a new token belongs to another record
const luaReplaceGrant = luaHelpers + `
local p = ARGV[3]
local g = cjson.decode(ARGV[1])
local id = redis.call('GET', KEYS[1])
if not id or id ~= g.id then
    return 'STALE'
end

local data = redis.call('GET', p .. 'grant:' .. id)
if not data then
    return 'STALE'
end
local cur = cjson.decode(data)
if cur.client_id ~= g.client_id or cur.context_id ~= g.context_id or cur.user_id ~= g.user_id then
    return 'MISMATCH'
end
if owned(p, g.access_fp, id) then
    return 'DUPLICATE'
end
if g.refresh_fp ~= '' and owned(p, g.refresh_fp, id) then
    return 'DUPLICATE'
end

remove(p, cur)
g.subject_key = cur.subject_key
install(p, g, tonumber(ARGV[2]))
return 'OK'
`

// luaDeleteByToken removes the grant an index key points to.
//
// KEYS[1] = access or refresh index key
// ARGV[1] = now ms, ARGV[2] = prefix
//
// Returns 1 if a live grant was removed, 0 otherwise.
const luaDeleteByToken = luaHelpers + `
local p = ARGV[2]
local id = redis.call('GET', KEYS[1])
if not id then
    return 0
end
local data = redis.call('GET', p .. 'grant:' .. id)
if not data then
    redis.call('DEL', KEYS[1])
    return 0
end
local g = cjson.decode(data)
remove(p, g)
if g.refresh_fp ~= '' or tonumber(ARGV[1]) < tonumber(g.expires_at) then
    return 1
end
return 0
`

// luaDeleteAllFor removes every grant of a subject issued to one client.
//
// KEYS[1] = subject key
// ARGV[1] = client id, ARGV[2] = prefix
//
// Returns the number of grants removed. Dangling members are pruned.
const luaDeleteAllFor = luaHelpers + `
local p = ARGV[2]
local n = 0
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    local data = redis.call('GET', p .. 'grant:' .. id)
    if not data then
        redis.call('SREM', KEYS[1], id)
    else
        local g = cjson.decode(data)
        if g.client_id == ARGV[1] then
            remove(p, g)
            n = n + 1
        end
    end
end
return n
`

// luaSweepGrant removes a grant if it is access-token-only and expired.
//
// KEYS[1] = grant key
// ARGV[1] = now ms, ARGV[2] = prefix
//
// Returns 1 if removed, 0 otherwise.
const luaSweepGrant = luaHelpers + `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local g = cjson.decode(data)
if g.refresh_fp == '' and tonumber(ARGV[1]) >= tonumber(g.expires_at) then
    remove(ARGV[2], g)
    return 1
end
return 0
`

// luaSweepCode removes a code if it is expired.
//
// KEYS[1] = code key
// ARGV[1] = now ms
const luaSweepCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local c = cjson.decode(data)
if tonumber(ARGV[1]) >= tonumber(c.expires_at) then
    redis.call('DEL', KEYS[1])
    return 1
end
return 0
`

// luaPruneSubject removes subject-set members whose grant no longer exists.
//
// KEYS[1] = subject key
// ARGV[1] = prefix
//
// Returns the number of members removed.
const luaPruneSubject = `
local n = 0
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
    if redis.call('EXISTS', ARGV[1] .. 'grant:' .. id) == 0 then
        redis.call('SREM', KEYS[1], id)
        n = n + 1
    end
end
return n
`
