package model

import "time"

// Repository holds git coordinates and local cache metadata for a
// repository that tasks execute against.
type Repository struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	CloneURL      string    `db:"clone_url" json:"cloneUrl"`
	DefaultBranch string    `db:"default_branch" json:"defaultBranch"`
	LocalPath     string    `db:"local_path" json:"localPath"`
	LastFetchedAt *time.Time `db:"last_fetched_at" json:"lastFetchedAt,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// ShortName derives the short repository name used in branch naming
// (e.g. "org/repo" -> "repo").
func (r *Repository) ShortName() string {
	name := r.Name
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}
