// SPDX-License-Identifier: MPL-2.0

// Package container drives Docker or Podman through their CLIs so that a
// running container can act as a companion target.
//
// The Engine interface covers what a container-backed target needs: probing
// the engine, inspecting whether a container is still running, and executing
// commands inside it. DockerEngine and PodmanEngine embed BaseCLIEngine for
// shared argument construction and command execution.
//
// Engine selection uses NewEngine(EngineType) with automatic fallback if the
// preferred engine is unavailable, or AutoDetectEngine() for preference-less
// detection (Podman is tried first).
package container
