package store

import "context"

// schemaSQL is the full schema applied to a fresh database. Later changes go
// through the migrations list, never by editing applied statements here.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS rule_groups (
    id          bigserial PRIMARY KEY,
    name        text NOT NULL,
    description text NOT NULL DEFAULT '',
    enabled     boolean NOT NULL DEFAULT true,
    priority    int NOT NULL DEFAULT 0,
    is_builtin  boolean NOT NULL DEFAULT false,
    created_at  timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rules (
    id                 bigserial PRIMARY KEY,
    group_id           bigint NOT NULL REFERENCES rule_groups(id) ON DELETE CASCADE,
    name               text NOT NULL,
    enabled            boolean NOT NULL DEFAULT true,
    priority           int NOT NULL DEFAULT 0,
    condition_type     text NOT NULL DEFAULT '',
    condition_value    text NOT NULL DEFAULT '',
    case_sensitive     boolean NOT NULL DEFAULT false,
    conditions         jsonb NOT NULL DEFAULT '[]',
    condition_logic    text NOT NULL DEFAULT 'AND',
    tag_group_id       bigint,
    tag_match_position text NOT NULL DEFAULT 'contains',
    action_type        text NOT NULL,
    action_value       text NOT NULL DEFAULT '',
    else_action_type   text NOT NULL DEFAULT '',
    else_action_value  text NOT NULL DEFAULT '',
    stop_processing    boolean NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_rules_group ON rules (group_id, priority, id);

CREATE TABLE IF NOT EXISTS tag_groups (
    id      bigserial PRIMARY KEY,
    name    text NOT NULL,
    enabled boolean NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS tags (
    id             bigserial PRIMARY KEY,
    group_id       bigint NOT NULL REFERENCES tag_groups(id) ON DELETE CASCADE,
    value          text NOT NULL,
    case_sensitive boolean NOT NULL DEFAULT false,
    enabled        boolean NOT NULL DEFAULT true
);
CREATE INDEX IF NOT EXISTS idx_tags_group ON tags (group_id);

CREATE TABLE IF NOT EXISTS autocreate_rules (
    id                  bigserial PRIMARY KEY,
    name                text NOT NULL,
    enabled             boolean NOT NULL DEFAULT true,
    priority            int NOT NULL DEFAULT 0,
    conditions          jsonb NOT NULL DEFAULT '[]',
    actions             jsonb NOT NULL DEFAULT '[]',
    run_on_refresh      boolean NOT NULL DEFAULT false,
    stop_on_first_match boolean NOT NULL DEFAULT true,
    sort_order          text NOT NULL DEFAULT 'asc',
    orphan_action       text NOT NULL DEFAULT 'keep',
    created_at          timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS autocreate_executions (
    id                bigserial PRIMARY KEY,
    rule_id           bigint,
    rule_name         text NOT NULL DEFAULT '',
    mode              text NOT NULL,
    triggered_by      text NOT NULL DEFAULT '',
    started_at        timestamptz NOT NULL DEFAULT now(),
    finished_at       timestamptz,
    status            text NOT NULL DEFAULT 'running',
    streams_evaluated int NOT NULL DEFAULT 0,
    streams_matched   int NOT NULL DEFAULT 0,
    channels_created  int NOT NULL DEFAULT 0,
    channels_updated  int NOT NULL DEFAULT 0,
    channels_removed  int NOT NULL DEFAULT 0,
    groups_created    int NOT NULL DEFAULT 0,
    streams_merged    int NOT NULL DEFAULT 0,
    conflicts         jsonb NOT NULL DEFAULT '[]',
    created_channel_ids bigint[] NOT NULL DEFAULT '{}',
    created_group_ids   bigint[] NOT NULL DEFAULT '{}',
    details           jsonb NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_autocreate_exec_started ON autocreate_executions (started_at DESC);

CREATE TABLE IF NOT EXISTS m3u_snapshots (
    id                    bigserial PRIMARY KEY,
    m3u_account_id        bigint NOT NULL,
    taken_at              timestamptz NOT NULL DEFAULT now(),
    groups_json           jsonb NOT NULL DEFAULT '[]',
    stream_names_by_group jsonb NOT NULL DEFAULT '{}',
    total_streams         int NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_snapshots_account ON m3u_snapshots (m3u_account_id, taken_at DESC);

CREATE TABLE IF NOT EXISTS m3u_change_logs (
    id             bigserial PRIMARY KEY,
    m3u_account_id bigint NOT NULL,
    change_time    timestamptz NOT NULL DEFAULT now(),
    change_type    text NOT NULL,
    group_name     text NOT NULL DEFAULT '',
    count          int NOT NULL DEFAULT 0,
    stream_names   text[] NOT NULL DEFAULT '{}',
    enabled        boolean,
    digested_at    timestamptz
);
CREATE INDEX IF NOT EXISTS idx_change_logs_account ON m3u_change_logs (m3u_account_id, change_time DESC);
CREATE INDEX IF NOT EXISTS idx_change_logs_undigested ON m3u_change_logs (change_time) WHERE digested_at IS NULL;

CREATE TABLE IF NOT EXISTS digest_settings (
    id       int PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    settings jsonb NOT NULL
);

CREATE TABLE IF NOT EXISTS stream_stats (
    stream_id            bigint PRIMARY KEY,
    stream_name          text NOT NULL DEFAULT '',
    probe_status         text NOT NULL DEFAULT 'unknown',
    last_probed_at       timestamptz,
    consecutive_failures int NOT NULL DEFAULT 0,
    resolution           text NOT NULL DEFAULT '',
    bitrate_kbps         int NOT NULL DEFAULT 0,
    video_codec          text NOT NULL DEFAULT '',
    audio_codec          text NOT NULL DEFAULT '',
    dismissed_at         timestamptz
);
CREATE INDEX IF NOT EXISTS idx_stream_stats_failures ON stream_stats (consecutive_failures DESC);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
    task_id            text PRIMARY KEY,
    enabled            boolean NOT NULL DEFAULT true,
    send_alerts        boolean NOT NULL DEFAULT false,
    alert_on_success   boolean NOT NULL DEFAULT false,
    alert_on_warning   boolean NOT NULL DEFAULT true,
    alert_on_error     boolean NOT NULL DEFAULT true,
    alert_on_info      boolean NOT NULL DEFAULT false,
    send_to_email      boolean NOT NULL DEFAULT false,
    send_to_discord    boolean NOT NULL DEFAULT false,
    send_to_telegram   boolean NOT NULL DEFAULT false,
    show_notifications boolean NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS task_schedules (
    id               bigserial PRIMARY KEY,
    task_id          text NOT NULL REFERENCES scheduled_tasks(task_id) ON DELETE CASCADE,
    name             text NOT NULL DEFAULT '',
    enabled          boolean NOT NULL DEFAULT true,
    schedule_type    text NOT NULL,
    interval_seconds int,
    schedule_time    text NOT NULL DEFAULT '',
    timezone         text NOT NULL DEFAULT 'UTC',
    days_of_week     int[] NOT NULL DEFAULT '{}',
    day_of_month     int,
    cron_expression  text NOT NULL DEFAULT '',
    parameters       jsonb NOT NULL DEFAULT '{}',
    created_at       timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_task_schedules_task ON task_schedules (task_id);

CREATE TABLE IF NOT EXISTS task_runs (
    run_id        bigserial PRIMARY KEY,
    task_id       text NOT NULL,
    schedule_id   bigint,
    started_at    timestamptz NOT NULL DEFAULT now(),
    finished_at   timestamptz,
    status        text NOT NULL DEFAULT 'running',
    message       text NOT NULL DEFAULT '',
    details       jsonb NOT NULL DEFAULT '{}',
    total_items   int,
    success_count int,
    error_count   int
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs (task_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_task_runs_started ON task_runs (started_at DESC);

CREATE TABLE IF NOT EXISTS notifications (
    id           bigserial PRIMARY KEY,
    type         text NOT NULL DEFAULT 'info',
    title        text NOT NULL DEFAULT '',
    message      text NOT NULL,
    source       text NOT NULL DEFAULT '',
    source_id    text NOT NULL DEFAULT '',
    action_label text NOT NULL DEFAULT '',
    action_url   text NOT NULL DEFAULT '',
    extra_data   jsonb NOT NULL DEFAULT '{}',
    read         boolean NOT NULL DEFAULT false,
    created_at   timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_notifications_source ON notifications (source, source_id);

CREATE TABLE IF NOT EXISTS epg_profiles (
    id                bigserial PRIMARY KEY,
    name              text NOT NULL,
    enabled           boolean NOT NULL DEFAULT true,
    tvg_id_template   text NOT NULL DEFAULT '',
    event_timezone    text NOT NULL DEFAULT 'UTC',
    output_timezone   text NOT NULL DEFAULT '',
    substitutions     jsonb NOT NULL DEFAULT '[]',
    variants          jsonb NOT NULL DEFAULT '[]',
    channel_group_ids bigint[] NOT NULL DEFAULT '{}',
    created_at        timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS schema_migrations (
    name       text PRIMARY KEY,
    applied_at timestamptz NOT NULL DEFAULT now()
);
`

// InitSchema applies the full schema on a fresh database. It checks whether
// the "rule_groups" table exists as a proxy for whether the schema has been
// loaded. If missing, it executes the schema SQL. If present, it's a no-op.
func (db *DB) InitSchema(ctx context.Context) error {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'rule_groups')`,
	).Scan(&exists)
	if err != nil {
		return err
	}

	if exists {
		db.log.Debug().Msg("schema already initialized, skipping")
		return nil
	}

	db.log.Info().Msg("fresh database detected, applying schema")
	if _, err := db.Pool.Exec(ctx, schemaSQL); err != nil {
		return err
	}
	db.log.Info().Msg("schema applied successfully")
	return nil
}
