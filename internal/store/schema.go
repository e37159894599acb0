package store

// Schema creates the groups and channels tables.
const Schema = `
CREATE TABLE IF NOT EXISTS groups (
	id TEXT PRIMARY KEY,
	tag TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'public',
	locale TEXT NOT NULL DEFAULT 'global',
	settings TEXT NOT NULL DEFAULT '{}',
	appearances TEXT NOT NULL DEFAULT '{}',
	entrance TEXT NOT NULL DEFAULT '{}',
	data TEXT NOT NULL DEFAULT '{}',
	bans TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_groups_tag ON groups(LOWER(tag));

CREATE TABLE IF NOT EXISTS channels (
	id TEXT PRIMARY KEY,
	webhook TEXT UNIQUE,
	guild_id TEXT NOT NULL DEFAULT '',
	group_id TEXT REFERENCES groups(id) ON UPDATE CASCADE ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_channels_group ON channels(group_id);
CREATE INDEX IF NOT EXISTS idx_channels_guild ON channels(guild_id);
`

// GroupRow is a persisted group. JSON columns are kept raw; the group
// package owns their shape.
type GroupRow struct {
	ID          string
	Tag         string
	OwnerID     string
	Status      string
	Locale      string
	Settings    string
	Appearances string
	Entrance    string
	Data        string
	Bans        string
	CreatedAt   int64 // unix millis
}

// ChannelRow is a persisted channel registry. Empty Webhook / GroupID are
// stored as NULL.
type ChannelRow struct {
	ID      string
	Webhook string
	GuildID string
	GroupID string
}

// ChannelFilter selects channel rows by column equality. Empty fields are
// ignored; Unassigned matches rows without a group and Registered rows with
// a webhook.
type ChannelFilter struct {
	ID         string
	Webhook    string
	GuildID    string
	GroupID    string
	Unassigned bool
	Registered bool
}

// Empty reports whether no predicate is set.
func (f ChannelFilter) Empty() bool {
	return f.ID == "" && f.Webhook == "" && f.GuildID == "" && f.GroupID == "" && !f.Unassigned && !f.Registered
}
