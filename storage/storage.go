// Package storage is an abstraction/utility layer over Redis.
//
// It holds the durable record of every request (one Redis Hash per
// request), the download work queue and the status-update queue. All
// state transitions go through ApplyTransition, a single scripted
// compare-and-set per transition, so concurrent events on the same
// request id are serialized by Redis and at most one of two racing
// updates against the same prior state can win.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"tunelift/request"

	"github.com/go-redis/redis"
)

const (
	// Each request has a corresponding Redis Hash named in the form
	// "<RequestKeyPrefix><request-id>".
	RequestKeyPrefix = "request:"

	// DownloadQueue contains ids of approved requests waiting for a
	// worker. Scores are the earliest time an entry may be popped, which
	// is how delayed retries are expressed.
	DownloadQueue = "DownloadQueue"

	// StatusQueue contains serialized StatusUpdates waiting to be
	// delivered to the messaging gateway.
	StatusQueue = "StatusQueue"

	// Prefix for stats related entries
	statsPrefix = "stats:"
)

var (
	// Atomically pop entries from a sorted set (ZSET)
	//
	// Each entry has a score that points to the time it should be
	// executed. We only pop entries that are "ready", so backoffs are
	// implemented by scheduling entries in the future.
	//
	// Note that we return two different kinds of errors, EMPTY &
	// RETRYLATER: the worker loop needs the distinction between "nothing
	// queued" and "something queued, just not yet".
	zpop = redis.NewScript(`
		local key = KEYS[1]
		local max_score = ARGV[1]

		local top = redis.call("zrange", key, 0, 0, 'withscores')

		if #top == 0 then
			return redis.error_reply("EMPTY")
		end

		local member = top[1]
		local score = top[2]

		if score > max_score then
			return redis.error_reply("RETRYLATER")
		end

		redis.call("zremrangebyrank", key, 0, 0)
		return member
		`)

	// Atomically create a request hash, failing if the id is taken.
	createScript = redis.NewScript(`
		local key = KEYS[1]

		if redis.call("exists", key) == 1 then
			return redis.error_reply("DUPLICATE")
		end

		for i = 1, #ARGV, 2 do
			redis.call("hset", key, ARGV[i], ARGV[i + 1])
		end
		return redis.status_reply("OK")
		`)

	// Atomically apply a state transition: the stored state must match
	// the expected prior state (ARGV[1]) or nothing is written. The guard
	// check and the write happen in one script execution, so there is no
	// window in which another event could interleave.
	//
	// ARGV[2] signals an AttemptCount increment; field/value pairs follow.
	transitionScript = redis.NewScript(`
		local key = KEYS[1]

		if redis.call("exists", key) == 0 then
			return redis.error_reply("NOTFOUND")
		end

		local state = redis.call("hget", key, "State")
		if state ~= ARGV[1] then
			return redis.error_reply("CONFLICT")
		end

		for i = 3, #ARGV, 2 do
			redis.call("hset", key, ARGV[i], ARGV[i + 1])
		end

		if ARGV[2] == "1" then
			redis.call("hincrby", key, "AttemptCount", 1)
		end
		return redis.status_reply("OK")
		`)

	// ErrEmptyQueue is returned by pop when there is nothing in the queue
	ErrEmptyQueue = errors.New("Queue is empty")
	// ErrRetryLater is returned by pop when there are only future entries in the queue
	ErrRetryLater = errors.New("Retry again later")
	// ErrNotFound is returned when a requested request is not in Redis.
	ErrNotFound = errors.New("Not Found")
	// ErrDuplicateID is returned by CreateRequest when the id is taken.
	ErrDuplicateID = errors.New("Request id already exists")
	// ErrStateConflict is returned by ApplyTransition when the stored
	// state no longer matches the expected prior state, i.e. a concurrent
	// event won the race.
	ErrStateConflict = errors.New("Request state changed concurrently")
)

// Storage wraps a redis.Client instance.
type Storage struct {
	Redis *redis.Client
}

// New returns a new Storage that can communicate with Redis. If Redis
// is not up an error will be returned.
func New(r *redis.Client) (*Storage, error) {
	if ping := r.Ping(); ping.Err() != nil || ping.Val() != "PONG" {
		if ping.Err() != nil {
			return nil, fmt.Errorf("Could not ping Redis Server successfully: %v", ping.Err())
		}
		return nil, fmt.Errorf("Could not ping Redis Server successfully: Expected PONG, received %s", ping.Val())
	}

	return &Storage{Redis: r}, nil
}

// CreateRequest stores req, failing with ErrDuplicateID if its id is
// already taken. The whole hash is written in one script execution.
func (s *Storage) CreateRequest(req *request.Request) error {
	m, err := requestToMap(req)
	if err != nil {
		return err
	}

	args := make([]interface{}, 0, 2*len(m))
	for k, v := range m {
		args = append(args, k, v)
	}

	err = createScript.Run(s.Redis, []string{RequestKeyPrefix + req.ID}, args...).Err()
	if err != nil && err.Error() == "DUPLICATE" {
		return ErrDuplicateID
	}
	return err
}

// GetRequest fetches the request with the given id from Redis.
func (s *Storage) GetRequest(id string) (request.Request, error) {
	val, err := s.Redis.HGetAll(RequestKeyPrefix + id).Result()
	if err != nil {
		return request.Request{}, err
	}

	if v, ok := val["ID"]; !ok || v == "" {
		return request.Request{}, ErrNotFound
	}

	return requestFromMap(val)
}

// RequestExists checks if the given request id exists in Redis.
// If a non-nil error is returned, the first returned value should be ignored.
func (s *Storage) RequestExists(id string) (bool, error) {
	res, err := s.Redis.Exists(RequestKeyPrefix + id).Result()
	return res > 0, err
}

// ApplyTransition persists a state transition for the request denoted by
// id, but only if its stored state still equals from. The new state, an
// UpdatedAt refresh, any extra fields and an optional AttemptCount
// increment are applied atomically. It fails with ErrNotFound if the
// request is gone and with ErrStateConflict if a concurrent event already
// moved the request away from the expected prior state.
func (s *Storage) ApplyTransition(id string, from, to request.State, fields map[string]interface{}, bumpAttempts bool) error {
	bump := "0"
	if bumpAttempts {
		bump = "1"
	}

	args := []interface{}{
		string(from), bump,
		"State", string(to),
		"UpdatedAt", time.Now().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		args = append(args, k, fieldValue(v))
	}

	err := transitionScript.Run(s.Redis, []string{RequestKeyPrefix + id}, args...).Err()
	if err != nil {
		switch err.Error() {
		case "NOTFOUND":
			return ErrNotFound
		case "CONFLICT":
			return ErrStateConflict
		}
		return err
	}
	return nil
}

// SetRefinement records the refiner's output on the request. The refined
// query is immutable once set: HSETNX keeps the query of the first
// attempt even if a retry runs the refiner again. The structured metadata
// fields follow the same discipline.
func (s *Storage) SetRefinement(id, query, artist, song, album string) error {
	key := RequestKeyPrefix + id

	set, err := s.Redis.HSetNX(key, "RefinedQuery", query).Result()
	if err != nil {
		return err
	}
	if !set {
		// A previous attempt already refined this request.
		return nil
	}

	for field, v := range map[string]string{"Artist": artist, "Song": song, "Album": album} {
		if v == "" {
			continue
		}
		if err := s.Redis.HSetNX(key, field, v).Err(); err != nil {
			return err
		}
	}
	return nil
}

// ScanRequests iterates lazily over all stored requests, calling fn for
// each. Iteration stops early when fn returns false. Order is
// unspecified. The underlying SCAN is restartable and never blocks Redis.
func (s *Storage) ScanRequests(fn func(req request.Request) bool) error {
	var cursor uint64

	for {
		var keys []string
		var err error
		keys, cursor, err = s.Redis.Scan(cursor, RequestKeyPrefix+"*", 50).Result()
		if err != nil {
			return fmt.Errorf("Error scanning request keys: %v", err)
		}

		for _, key := range keys {
			val, err := s.Redis.HGetAll(key).Result()
			if err != nil {
				return err
			}
			if v, ok := val["ID"]; !ok || v == "" {
				// Deleted between SCAN and HGETALL; skip.
				continue
			}
			req, err := requestFromMap(val)
			if err != nil {
				return err
			}
			if !fn(req) {
				return nil
			}
		}

		if cursor == 0 {
			return nil
		}
	}
}

// RequestsInState returns all requests currently in st.
func (s *Storage) RequestsInState(st request.State) ([]request.Request, error) {
	var out []request.Request
	err := s.ScanRequests(func(req request.Request) bool {
		if req.State == st {
			out = append(out, req)
		}
		return true
	})
	return out, err
}

// QueueDownload adds the request id to the download queue. If a delay >0
// is given, the entry is scheduled that much later in time.
func (s *Storage) QueueDownload(id string, delay time.Duration) error {
	z := redis.Z{
		Member: id,
		Score:  float64(time.Now().Add(delay).Unix()),
	}
	return s.Redis.ZAdd(DownloadQueue, z).Err()
}

// PopDownload attempts to pop a request id from the download queue.
func (s *Storage) PopDownload() (string, error) {
	return s.pop(DownloadQueue)
}

// QueueStatusUpdate adds a status update to the delivery queue. If a
// delay >0 is given, the entry is scheduled that much later in time.
func (s *Storage) QueueStatusUpdate(u *request.StatusUpdate, delay time.Duration) error {
	payload, err := u.Bytes()
	if err != nil {
		return err
	}

	z := redis.Z{
		Member: string(payload),
		Score:  float64(time.Now().Add(delay).Unix()),
	}
	return s.Redis.ZAdd(StatusQueue, z).Err()
}

// PopStatusUpdate attempts to pop a status update from the delivery queue.
func (s *Storage) PopStatusUpdate() (request.StatusUpdate, error) {
	val, err := s.pop(StatusQueue)
	if err != nil {
		return request.StatusUpdate{}, err
	}

	var u request.StatusUpdate
	if err := json.Unmarshal([]byte(val), &u); err != nil {
		return request.StatusUpdate{}, err
	}
	return u, nil
}

// SetStats stores a stats snapshot with an expiry, for the dashboard.
func (s *Storage) SetStats(id, value string, expiry time.Duration) error {
	return s.Redis.Set(statsPrefix+id, value, expiry).Err()
}

// GetStats fetches a previously stored stats snapshot.
func (s *Storage) GetStats(id string) (string, error) {
	return s.Redis.Get(statsPrefix + id).Result()
}

// POPs the lowest-scored ready member from a ZSET.
func (s *Storage) pop(queue string) (string, error) {
	val, err := zpop.Run(s.Redis, []string{queue}, time.Now().Unix()).Result()
	if err != nil {
		switch err.Error() {
		case "EMPTY":
			return "", ErrEmptyQueue
		case "RETRYLATER":
			return "", ErrRetryLater
		}
		return "", err
	}

	member, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("Unexpected pop result type %T", val)
	}
	return member, nil
}

// requestToMap flattens req into the field/value map stored in its Hash.
func requestToMap(req *request.Request) (map[string]interface{}, error) {
	out := make(map[string]interface{})

	v := reflect.ValueOf(req)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	// we only accept structs
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("requestToMap only accepts structs; got %T", v)
	}

	typ := v.Type()
	for i := 0; i < v.NumField(); i++ {
		fi := typ.Field(i)
		out[fi.Name] = fieldValue(v.Field(i).Interface())
	}
	return out, nil
}

// fieldValue normalizes a struct field for storage in a Redis hash.
func fieldValue(v interface{}) interface{} {
	switch val := v.(type) {
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case request.State:
		return string(val)
	default:
		return v
	}
}

func requestFromMap(m map[string]string) (request.Request, error) {
	var err error
	req := request.Request{}
	for k, v := range m {
		switch k {
		case "ID":
			req.ID = v
		case "RequesterID":
			req.RequesterID = v
		case "OriginMessageRef":
			req.OriginMessageRef = v
		case "RawText":
			req.RawText = v
		case "RefinedQuery":
			req.RefinedQuery = v
		case "Artist":
			req.Artist = v
		case "Song":
			req.Song = v
		case "Album":
			req.Album = v
		case "State":
			req.State = request.State(v)
		case "AttemptCount":
			req.AttemptCount, err = strconv.Atoi(v)
			if err != nil {
				return req, fmt.Errorf("Could not decode request from map: %v", err)
			}
		case "LastError":
			req.LastError = v
		case "FinalPath":
			req.FinalPath = v
		case "RawTitle":
			req.RawTitle = v
		case "Duration":
			req.Duration, err = strconv.Atoi(v)
			if err != nil {
				return req, fmt.Errorf("Could not decode request from map: %v", err)
			}
		case "CreatedAt":
			req.CreatedAt, err = time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return req, fmt.Errorf("Could not decode request from map: %v", err)
			}
		case "UpdatedAt":
			req.UpdatedAt, err = time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return req, fmt.Errorf("Could not decode request from map: %v", err)
			}
		default:
			return req, fmt.Errorf("Field %s with value %s was not found in Request struct", k, v)
		}
	}
	return req, nil
}
