// Package server implements the HTTP API server for the mission engine
//
// This package provides REST endpoints for managing missions, runs,
// artifacts, and workflows, plus SSE and WebSocket connections for live
// event streams
package server
