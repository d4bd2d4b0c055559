package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
)

var errInvalidSnowflakeID = errors.New("invalid_snowflake_id")

// parseOptional returns nil for a blank query value.
func parseOptional[T any](value string, parse func(string) (T, error)) (*T, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := parse(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseOptionalBool(value string) (*bool, error) {
	return parseOptional(value, strconv.ParseBool)
}

func parseOptionalInt64(value string) (*int64, error) {
	return parseOptional(value, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	return parseOptional(value, func(s string) (snowflake.ID, error) {
		id, err := snowflake.ParseString(s)
		if err != nil || id == 0 {
			return 0, errInvalidSnowflakeID
		}
		return id, nil
	})
}

// parseSnowflakeID is for path ids, where blank is as invalid as garbage.
func parseSnowflakeID(value string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(value)
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, errInvalidSnowflakeID
	}
	return *id, nil
}
