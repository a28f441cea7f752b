// SPDX-License-Identifier: MPL-2.0

// Package httpapi exposes a companion backend as a small JSON API:
//
//	GET  /healthz                200 while running, 503 otherwise
//	GET  /v1/status              status snapshot
//	POST /v1/commands/{name}     {"args": [...], "payload": {...}} -> result
package httpapi
