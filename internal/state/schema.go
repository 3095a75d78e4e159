package state

// Schema creates the Postgres objects the archive needs. cmd/council
// applies it on -migrate together with the other package schemas.
const Schema = `
CREATE TABLE IF NOT EXISTS state_snapshots (
    namespace TEXT NOT NULL,
    entry_id TEXT NOT NULL,
    payload JSONB NOT NULL,
    saved_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (namespace, entry_id)
);

CREATE INDEX IF NOT EXISTS idx_state_snapshots_saved_at ON state_snapshots(namespace, saved_at DESC);
CREATE INDEX IF NOT EXISTS idx_state_snapshots_expires_at ON state_snapshots(expires_at);
`
