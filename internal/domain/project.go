package domain

import "time"

// Project describes a deployable unit. Only the fields this control plane
// reads or mutates live here; project administration happens elsewhere.
type Project struct {
	ID      string
	Name    string
	RepoURL string
	Branch  string
	RootDir string

	// RepoToken holds encrypted clone/deploy credentials.
	RepoToken []byte

	// ActiveRevisionID references the job whose deploy is currently live.
	// Mutated exclusively through a compare-and-swap so a stale completion
	// can never regress a newer deployment.
	ActiveRevisionID *string
	Deployed         bool

	RepoCloned   bool
	RepoImported bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
