// Package api defines the core data types for the mission engine
//
// This package contains all the shared types used across the engine,
// including workflow definitions, mission and run state, executor handles,
// events, and HTTP messages
package api
