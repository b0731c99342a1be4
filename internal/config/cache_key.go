package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionAnswersKey returns the hash key mirroring a session's autosaved answers
func (r *CacheKeyStruct) SessionAnswersKey(sessionID string) string {
	return fmt.Sprintf("session:%s:answers", sessionID)
}

// SessionClosedKey returns the marker key set once a session is frozen
func (r *CacheKeyStruct) SessionClosedKey(sessionID string) string {
	return fmt.Sprintf("session:%s:closed", sessionID)
}

// SessionResultKey returns the cache key for a session's recorded result
func (r *CacheKeyStruct) SessionResultKey(sessionID string) string {
	return fmt.Sprintf("session:%s:result", sessionID)
}

var CacheKey = NewCacheKeyStruct()
