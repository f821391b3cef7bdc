// Package crawler defines the domain types shared by the discovery and
// retrieval subsystems: candidates, retrieval jobs, protection
// classifications, credentials, and the collaborator interfaces the engine
// is assembled from.
package crawler
