package memory

// Schema creates the Postgres objects the memory needs. cmd/council
// applies it on -migrate together with the other package schemas.
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS analysis_cases (
    id UUID PRIMARY KEY,
    symbol TEXT NOT NULL,
    market TEXT NOT NULL,
    task_name TEXT NOT NULL DEFAULT '',
    recommendation TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    risk_level TEXT NOT NULL DEFAULT 'medium',
    reasoning TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    embedding vector(1536),
    context JSONB,
    review_count INTEGER NOT NULL DEFAULT 0,
    hit_count INTEGER NOT NULL DEFAULT 0,
    miss_count INTEGER NOT NULL DEFAULT 0,
    last_reviewed TIMESTAMPTZ,
    access_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_analysis_cases_symbol ON analysis_cases(symbol);
CREATE INDEX IF NOT EXISTS idx_analysis_cases_market ON analysis_cases(market);
CREATE INDEX IF NOT EXISTS idx_analysis_cases_embedding ON analysis_cases
    USING hnsw (embedding vector_cosine_ops);
`
