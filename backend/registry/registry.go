// Package registry stores identity records binding a user id to their
// registered device push ids. Records are sealed at rest and keyed by
// salted hashes so raw identifiers never appear in the cache keyspace.
// The direct-call join path uses it to resolve callers and callees.
package registry

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/webrtc/apprtc/backend/sealer"
	"github.com/webrtc/apprtc/backend/storage/cache"
)

const (
	userKeyPrefix   = "reg/user/"
	deviceKeyPrefix = "reg/device/"

	retryLimit = 100
)

var (
	ErrNotFound  = errors.New("registration record not found")
	ErrCorrupt   = errors.New("stored registration records cannot be decoded")
	ErrExhausted = errors.New("registry update exhausted retry budget")
)

// Record is one user-device binding. Code carries the pending verification
// code until Verify confirms it.
type Record struct {
	UserID       string `json:"user_id"`
	DeviceID     string `json:"gcm_id"`
	Code         string `json:"code"`
	CodeSentTime int64  `json:"code_sent_time"`
	Verified     bool   `json:"verified"`
	LastModified int64  `json:"last_modified_time"`
}

type (
	Registry struct {
		logger zerolog.Logger
		store  cache.Store
		codec  sealer.Codec
		hasher *sealer.Hasher
	}

	Config struct {
		Logger *zerolog.Logger
		Store  cache.Store
		Codec  sealer.Codec
		Hasher *sealer.Hasher
	}
)

func New(cfg Config) *Registry {
	return &Registry{
		logger: cfg.Logger.With().Str("component", "registry").Logger(),
		store:  cfg.Store,
		codec:  cfg.Codec,
		hasher: cfg.Hasher,
	}
}

func (r *Registry) userKey(userID string) string {
	return userKeyPrefix + hex.EncodeToString(r.hasher.SaltedHash([]byte(userID)))
}

func (r *Registry) deviceKey(deviceID string) string {
	return deviceKeyPrefix + hex.EncodeToString(r.hasher.SaltedHash([]byte(deviceID)))
}

// ByUserID returns the user's records, optionally only verified ones.
func (r *Registry) ByUserID(userID string, verifiedOnly bool) ([]Record, error) {
	records, err := r.loadUser(r.userKey(userID))
	if err != nil {
		return nil, err
	}
	return filterVerified(records, verifiedOnly), nil
}

// ByDeviceID returns the record registered for a device, if any.
func (r *Registry) ByDeviceID(deviceID string, verifiedOnly bool) ([]Record, error) {
	userID, err := r.loadDevicePointer(deviceID)
	if err != nil {
		return nil, err
	}
	records, err := r.ByUserID(userID, verifiedOnly)
	if err != nil {
		return nil, err
	}
	matched := records[:0:0]
	for _, rec := range records {
		if rec.DeviceID == deviceID {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

// AssociatedRecordsForDeviceID returns every record of the user the device
// belongs to, letting callers address all of a user's devices.
func (r *Registry) AssociatedRecordsForDeviceID(deviceID string, verifiedOnly bool) ([]Record, error) {
	userID, err := r.loadDevicePointer(deviceID)
	if err != nil {
		return nil, err
	}
	return r.ByUserID(userID, verifiedOnly)
}

// AddOrUpdate registers a device for a user, refreshing the verification
// code when the binding already exists.
func (r *Registry) AddOrUpdate(userID, deviceID, code string) error {
	now := time.Now().Unix()
	err := r.mutateUser(userID, func(records []Record) []Record {
		for i := range records {
			if records[i].DeviceID == deviceID {
				records[i].Code = code
				records[i].CodeSentTime = now
				records[i].LastModified = now
				return records
			}
		}
		return append(records, Record{
			UserID:       userID,
			DeviceID:     deviceID,
			Code:         code,
			CodeSentTime: now,
			LastModified: now,
		})
	})
	if err != nil {
		return err
	}
	return r.storeDevicePointer(deviceID, userID)
}

// Verify marks the binding verified when the code matches.
func (r *Registry) Verify(userID, deviceID, code string) (bool, error) {
	verified := false
	err := r.mutateUser(userID, func(records []Record) []Record {
		for i := range records {
			if records[i].DeviceID == deviceID && records[i].Code == code {
				records[i].Verified = true
				records[i].Code = ""
				records[i].LastModified = time.Now().Unix()
				verified = true
			}
		}
		return records
	})
	return verified, err
}

// Remove drops the binding; the user's entry disappears with its last
// record.
func (r *Registry) Remove(userID, deviceID string) error {
	err := r.mutateUser(userID, func(records []Record) []Record {
		kept := records[:0]
		for _, rec := range records {
			if rec.DeviceID != deviceID {
				kept = append(kept, rec)
			}
		}
		return kept
	})
	if err != nil {
		return err
	}
	r.store.Delete(r.deviceKey(deviceID))
	return nil
}

// UpdateDeviceID rebinds a record to a device's new push id.
func (r *Registry) UpdateDeviceID(userID, oldDeviceID, newDeviceID string) error {
	now := time.Now().Unix()
	err := r.mutateUser(userID, func(records []Record) []Record {
		for i := range records {
			if records[i].DeviceID == oldDeviceID {
				records[i].DeviceID = newDeviceID
				records[i].LastModified = now
			}
		}
		return records
	})
	if err != nil {
		return err
	}
	r.store.Delete(r.deviceKey(oldDeviceID))
	return r.storeDevicePointer(newDeviceID, userID)
}

// mutateUser runs the user's record list through the shared CAS retry
// helper. The device pointer keys are updated non-atomically afterwards;
// the user entry is the source of truth and lookups re-check it.
func (r *Registry) mutateUser(userID string, mutate func([]Record) []Record) error {
	key := r.userKey(userID)
	_, ok, err := cache.Update(r.store, key, retryLimit, 0,
		func(value []byte, found bool) ([]byte, cache.StepAction, error) {
			var records []Record
			if found {
				var decErr error
				if records, decErr = r.decodeRecords(value); decErr != nil {
					return nil, cache.ActStop, decErr
				}
			} else {
				if !r.store.Set(key, []byte(" "), 0) {
					return nil, cache.ActStop, fmt.Errorf("cache set failed for %s", key)
				}
				return nil, cache.ActReread, nil
			}
			records = mutate(records)
			if len(records) == 0 {
				r.store.Delete(key)
				return nil, cache.ActStop, nil
			}
			encoded, encErr := r.encodeRecords(records)
			if encErr != nil {
				return nil, cache.ActStop, encErr
			}
			return encoded, cache.ActSwap, nil
		})
	if err != nil {
		return err
	}
	if !ok {
		return ErrExhausted
	}
	return nil
}

func (r *Registry) loadUser(key string) ([]Record, error) {
	value, found := r.store.Get(key)
	if !found || len(value) == 0 {
		return nil, ErrNotFound
	}
	return r.decodeRecords(value)
}

func (r *Registry) decodeRecords(value []byte) ([]Record, error) {
	// The creation placeholder reads back before the first real write.
	if string(value) == " " {
		return nil, nil
	}
	plain, err := r.codec.Open(value)
	if err != nil {
		return nil, errors.Join(ErrCorrupt, err)
	}
	var records []Record
	if err = json.Unmarshal(plain, &records); err != nil {
		return nil, errors.Join(ErrCorrupt, err)
	}
	return records, nil
}

func (r *Registry) encodeRecords(records []Record) ([]byte, error) {
	plain, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	return r.codec.Seal(plain)
}

func (r *Registry) loadDevicePointer(deviceID string) (string, error) {
	value, found := r.store.Get(r.deviceKey(deviceID))
	if !found || len(value) == 0 {
		return "", ErrNotFound
	}
	plain, err := r.codec.Open(value)
	if err != nil {
		return "", errors.Join(ErrCorrupt, err)
	}
	var pointer struct {
		UserID string `json:"user_id"`
	}
	if err = json.Unmarshal(plain, &pointer); err != nil {
		return "", errors.Join(ErrCorrupt, err)
	}
	return pointer.UserID, nil
}

func (r *Registry) storeDevicePointer(deviceID, userID string) error {
	plain, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return err
	}
	sealed, err := r.codec.Seal(plain)
	if err != nil {
		return err
	}
	if !r.store.Set(r.deviceKey(deviceID), sealed, 0) {
		return fmt.Errorf("cache set failed for device pointer")
	}
	return nil
}

func filterVerified(records []Record, verifiedOnly bool) []Record {
	if !verifiedOnly {
		return records
	}
	kept := records[:0:0]
	for _, rec := range records {
		if rec.Verified {
			kept = append(kept, rec)
		}
	}
	return kept
}
