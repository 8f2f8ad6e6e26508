package domain

import "time"

// PlayerScore is the cumulative record the profile store keeps per identity.
type PlayerScore struct {
	Identity    string
	Points      int
	Wins        int
	Losses      int
	Draws       int
	Resigns     int
	GamesPlayed int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ScoreDelta is one settled session outcome for one identity.
type ScoreDelta struct {
	SessionID string
	Identity  string
	Result    string
	Points    int
	At        time.Time
}
