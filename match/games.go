package match

import "strings"

// GameID identifies the minigame a match is played in.
type GameID string

const (
	GameCardFlip      GameID = "card-flip"
	GameGuessCup      GameID = "guess-cup"
	GameSimonSays     GameID = "simon-says"
	GameWordBuilder   GameID = "word-builder"
	GamePicturePuzzle GameID = "picture-puzzle"
)

// DefaultGames is the supported set when configuration does not override it.
var DefaultGames = []GameID{
	GameCardFlip,
	GameGuessCup,
	GameSimonSays,
	GameWordBuilder,
	GamePicturePuzzle,
}

// Catalog is the set of games matchmaking accepts.
type Catalog map[GameID]struct{}

// NewCatalog builds a catalog from game ids, ignoring blanks.
// An empty list yields DefaultGames.
func NewCatalog(ids ...string) Catalog {
	c := make(Catalog)
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			c[GameID(id)] = struct{}{}
		}
	}
	if len(c) == 0 {
		for _, id := range DefaultGames {
			c[id] = struct{}{}
		}
	}
	return c
}

// Supports reports whether id is in the catalog.
func (c Catalog) Supports(id GameID) bool {
	_, ok := c[id]
	return ok
}
