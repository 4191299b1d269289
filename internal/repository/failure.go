package repository

import "github.com/terrasync/reposync/internal/resultcode"

// Failure is one accumulated per-path error from a sync, per spec.md §3.
type Failure struct {
	Path string
	Code *resultcode.Code
}
