// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package secret reads credentials from the environment so they can stay out
// of the configuration file.
package secret

import "os"

// Environment variables holding credentials. A set variable takes precedence
// over the configuration file.
const (
	ManagementKeyEnv   = "LLM_SUPERVISOR_MANAGEMENT_KEY"
	PostgresDSNEnv     = "LLM_SUPERVISOR_POSTGRES_DSN"
	ObjectAccessKeyEnv = "LLM_SUPERVISOR_OBJECT_ACCESS_KEY"
	ObjectSecretKeyEnv = "LLM_SUPERVISOR_OBJECT_SECRET_KEY"
)

// GetEnv returns the value of the environment variable named by the key,
// or fallback if the variable is not present.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// ManagementKey returns the API management key, or fallback.
func ManagementKey(fallback string) string {
	return GetEnv(ManagementKeyEnv, fallback)
}

// PostgresDSN returns the postgres connection string, or fallback.
func PostgresDSN(fallback string) string {
	return GetEnv(PostgresDSNEnv, fallback)
}

// Object storage credentials
func ObjectAccessKey(fallback string) string {
	return GetEnv(ObjectAccessKeyEnv, fallback)
}

func ObjectSecretKey(fallback string) string {
	return GetEnv(ObjectSecretKeyEnv, fallback)
}
