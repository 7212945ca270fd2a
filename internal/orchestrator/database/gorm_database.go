// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
)

// GormDB implements Repository over a GORM connection.
type GormDB struct {
	db *gorm.DB
}

// NewGormDB opens the database selected by the configuration: postgres
// when db_host is set, the sqlite file named by db_name otherwise.
func NewGormDB(cfg *config.AppConfig) (*GormDB, error) {
	var dialector gorm.Dialector
	if cfg.UsesPostgres() {
		dialector = postgres.Open(cfg.GetDSN())
	} else {
		dialector = sqlite.Open(cfg.GetDSN())
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect: %v", errdefs.ErrDatabase, err)
	}

	return &GormDB{db: db}, nil
}

// NewGormDBFromConnection wraps an existing GORM connection, used by
// transactions and tests.
func NewGormDBFromConnection(db *gorm.DB) *GormDB {
	return &GormDB{db: db}
}

// allModels lists every persisted model, migration order.
func allModels() []any {
	return []any{
		&models.Project{},
		&models.InputSource{},
		&models.Run{},
		&models.CodebaseResource{},
		&models.DiscoveredPackage{},
		&models.DiscoveredDependency{},
		&models.CodebaseRelation{},
		&models.ProjectMessage{},
		&models.WebhookSubscription{},
		&models.WebhookDelivery{},
		&models.User{},
	}
}

// AutoMigrate runs database migrations
func (db *GormDB) AutoMigrate() error {
	if err := db.db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("%w: migration failed: %v", errdefs.ErrDatabase, err)
	}
	return nil
}

// ValidateSchema checks if GORM models match the database schema
func (db *GormDB) ValidateSchema() error {
	var missingTables []string
	var missingColumns []string

	for _, model := range allModels() {
		if !db.db.Migrator().HasTable(model) {
			stmt := &gorm.Statement{DB: db.db}
			_ = stmt.Parse(model)
			missingTables = append(missingTables, stmt.Table)
		}
	}
	if len(missingTables) > 0 {
		return fmt.Errorf("missing tables: %v — run 'depvet-migrate' to create them", missingTables)
	}

	required := map[any][]string{
		&models.Project{}:             {"uuid", "name", "slug", "labels", "settings", "is_archived", "created_at"},
		&models.Run{}:                 {"uuid", "project_uuid", "pipeline_name", "status", "task_id", "log", "current_step", "progress", "stop_requested"},
		&models.InputSource{}:         {"uuid", "project_uuid", "filename", "tag", "is_uploaded", "size"},
		&models.WebhookSubscription{}: {"uuid", "project_uuid", "target_url", "trigger_on_each_run", "is_active"},
		&models.WebhookDelivery{}:     {"uuid", "subscription_uuid", "attempt", "succeeded", "sent_at"},
		&models.User{}:                {"uuid", "username", "api_key"},
	}
	for model, columns := range required {
		for _, col := range columns {
			if !db.db.Migrator().HasColumn(model, col) {
				stmt := &gorm.Statement{DB: db.db}
				_ = stmt.Parse(model)
				missingColumns = append(missingColumns, fmt.Sprintf("%s.%s", stmt.Table, col))
			}
		}
	}
	if len(missingColumns) > 0 {
		return fmt.Errorf("missing columns: %v — run 'depvet-migrate' to add them", missingColumns)
	}

	return nil
}

// Transaction runs fn inside one database transaction.
func (db *GormDB) Transaction(ctx context.Context, fn func(Repository) error) error {
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewGormDBFromConnection(tx))
	})
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func wrapNotFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", errdefs.ErrNotFound, what)
	}
	return fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
}

// --- Projects ---

// CreateProject inserts a new project row.
func (db *GormDB) CreateProject(ctx context.Context, project *models.Project) error {
	return db.db.WithContext(ctx).Create(project).Error
}

// GetProject retrieves a single project by uuid.
func (db *GormDB) GetProject(ctx context.Context, uuid string) (*models.Project, error) {
	var project models.Project
	if err := db.db.WithContext(ctx).First(&project, "uuid = ?", uuid).Error; err != nil {
		return nil, wrapNotFound(err, "project "+uuid)
	}
	return &project, nil
}

// GetProjectByName retrieves a single project by its unique name.
func (db *GormDB) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	var project models.Project
	if err := db.db.WithContext(ctx).First(&project, "name = ?", name).Error; err != nil {
		return nil, wrapNotFound(err, "project "+name)
	}
	return &project, nil
}

// ProjectNameExists reports whether a project with the name exists.
func (db *GormDB) ProjectNameExists(ctx context.Context, name string) (bool, error) {
	var count int64
	err := db.db.WithContext(ctx).Model(&models.Project{}).Where("name = ?", name).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return count > 0, nil
}

func (db *GormDB) projectQuery(ctx context.Context, filter ProjectFilter) *gorm.DB {
	q := db.db.WithContext(ctx).Model(&models.Project{})
	if filter.UUID != "" {
		q = q.Where("uuid = ?", filter.UUID)
	}
	if filter.Name != "" {
		q = q.Where("name = ?", filter.Name)
	}
	if filter.NameContains != "" {
		q = q.Where("name LIKE ?", "%"+filter.NameContains+"%")
	}
	// Labels live in a JSON text column; match on the quoted element.
	for _, label := range filter.Labels {
		q = q.Where("labels LIKE ?", fmt.Sprintf(`%%"%s"%%`, label))
	}
	if len(filter.PipelineNames) > 0 {
		q = q.Where("uuid IN (?)",
			db.db.Model(&models.Run{}).Select("project_uuid").Where("pipeline_name IN ?", filter.PipelineNames))
	}
	if !filter.CreatedBefore.IsZero() {
		q = q.Where("created_at < ?", filter.CreatedBefore)
	}
	if filter.IsArchived != nil {
		q = q.Where("is_archived = ?", *filter.IsArchived)
	} else if !filter.IncludeArchived {
		q = q.Where("is_archived = ?", false)
	}
	return q
}

// ListProjects retrieves projects matching the filter, newest first.
func (db *GormDB) ListProjects(ctx context.Context, filter ProjectFilter) ([]models.Project, error) {
	q := db.projectQuery(ctx, filter).Order("created_at DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit).Offset(filter.Offset)
	}
	var projects []models.Project
	if err := q.Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return projects, nil
}

// CountProjects counts projects matching the filter.
func (db *GormDB) CountProjects(ctx context.Context, filter ProjectFilter) (int64, error) {
	var count int64
	if err := db.projectQuery(ctx, filter).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return count, nil
}

// UpdateProjectFields applies a partial update to one project row.
func (db *GormDB) UpdateProjectFields(ctx context.Context, uuid string, fields map[string]any) error {
	return db.db.WithContext(ctx).Model(&models.Project{}).
		Where("uuid = ?", uuid).
		Updates(fields).Error
}

// DeleteProject removes the project and every owned row. Order matters on
// databases without FK cascade pragmas.
func (db *GormDB) DeleteProject(ctx context.Context, uuid string) error {
	return db.Transaction(ctx, func(tx Repository) error {
		gtx := tx.(*GormDB).db
		subscriptions := gtx.Model(&models.WebhookSubscription{}).Select("uuid").Where("project_uuid = ?", uuid)
		steps := []*gorm.DB{
			gtx.Where("subscription_uuid IN (?)", subscriptions).Delete(&models.WebhookDelivery{}),
			gtx.Where("project_uuid = ?", uuid).Delete(&models.WebhookSubscription{}),
			gtx.Where("project_uuid = ?", uuid).Delete(&models.ProjectMessage{}),
			gtx.Where("project_uuid = ?", uuid).Delete(&models.CodebaseRelation{}),
			gtx.Where("project_uuid = ?", uuid).Delete(&models.DiscoveredDependency{}),
			gtx.Where("project_uuid = ?", uuid).Delete(&models.DiscoveredPackage{}),
			gtx.Where("project_uuid = ?", uuid).Delete(&models.CodebaseResource{}),
			gtx.Where("project_uuid = ?", uuid).Delete(&models.Run{}),
			gtx.Where("project_uuid = ?", uuid).Delete(&models.InputSource{}),
			gtx.Where("uuid = ?", uuid).Delete(&models.Project{}),
		}
		for _, step := range steps {
			if step.Error != nil {
				return fmt.Errorf("%w: cascade delete failed: %v", errdefs.ErrDatabase, step.Error)
			}
		}
		return nil
	})
}

// --- Input sources ---

// CreateInputSource inserts one input source row.
func (db *GormDB) CreateInputSource(ctx context.Context, source *models.InputSource) error {
	return db.db.WithContext(ctx).Create(source).Error
}

// ListInputSources retrieves the input sources of a project, oldest first.
func (db *GormDB) ListInputSources(ctx context.Context, projectUUID string) ([]models.InputSource, error) {
	var sources []models.InputSource
	err := db.db.WithContext(ctx).
		Where("project_uuid = ?", projectUUID).
		Order("created_at ASC").
		Find(&sources).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return sources, nil
}

// DeleteInputSources drops every input source row of a project.
func (db *GormDB) DeleteInputSources(ctx context.Context, projectUUID string) error {
	return db.db.WithContext(ctx).Where("project_uuid = ?", projectUUID).Delete(&models.InputSource{}).Error
}

// --- Runs ---

// CreateRun inserts a new run row.
func (db *GormDB) CreateRun(ctx context.Context, run *models.Run) error {
	return db.db.WithContext(ctx).Create(run).Error
}

// GetRun retrieves a single run by uuid.
func (db *GormDB) GetRun(ctx context.Context, uuid string) (*models.Run, error) {
	var run models.Run
	if err := db.db.WithContext(ctx).First(&run, "uuid = ?", uuid).Error; err != nil {
		return nil, wrapNotFound(err, "run "+uuid)
	}
	return &run, nil
}

// ListRuns retrieves the runs of a project in execution order.
func (db *GormDB) ListRuns(ctx context.Context, projectUUID string) ([]models.Run, error) {
	var runs []models.Run
	err := db.db.WithContext(ctx).
		Where("project_uuid = ?", projectUUID).
		Order("created_at ASC").
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return runs, nil
}

// ListRunsByStatus retrieves all runs currently in one of the statuses.
func (db *GormDB) ListRunsByStatus(ctx context.Context, statuses ...models.RunStatus) ([]models.Run, error) {
	var runs []models.Run
	err := db.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return runs, nil
}

// OldestActiveRun returns the oldest queued or running run of the project.
func (db *GormDB) OldestActiveRun(ctx context.Context, projectUUID string) (*models.Run, error) {
	return db.firstRun(ctx, projectUUID, []models.RunStatus{models.RunStatusQueued, models.RunStatusRunning})
}

// NextQueuedRun returns the oldest queued run of the project.
func (db *GormDB) NextQueuedRun(ctx context.Context, projectUUID string) (*models.Run, error) {
	return db.firstRun(ctx, projectUUID, []models.RunStatus{models.RunStatusQueued})
}

func (db *GormDB) firstRun(ctx context.Context, projectUUID string, statuses []models.RunStatus) (*models.Run, error) {
	var run models.Run
	err := db.db.WithContext(ctx).
		Where("project_uuid = ? AND status IN ?", projectUUID, statuses).
		Order("created_at ASC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return &run, nil
}

// CountNonTerminalRuns counts runs that have not reached a terminal status.
func (db *GormDB) CountNonTerminalRuns(ctx context.Context, projectUUID string) (int64, error) {
	var count int64
	err := db.db.WithContext(ctx).Model(&models.Run{}).
		Where("project_uuid = ? AND status IN ?", projectUUID, []models.RunStatus{
			models.RunStatusNotStarted, models.RunStatusQueued, models.RunStatusRunning,
		}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return count, nil
}

// CompareAndSetRunStatus is the scheduler's atomic primitive: a guarded
// UPDATE whose affected-row count decides the winner of racing transitions.
func (db *GormDB) CompareAndSetRunStatus(ctx context.Context, uuid string, expected []models.RunStatus, to models.RunStatus, fields map[string]any) (bool, error) {
	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	result := db.db.WithContext(ctx).Model(&models.Run{}).
		Where("uuid = ? AND status IN ?", uuid, expected).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("%w: %v", errdefs.ErrDatabase, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// UpdateRunFields applies a partial update to one run row.
func (db *GormDB) UpdateRunFields(ctx context.Context, uuid string, fields map[string]any) error {
	return db.db.WithContext(ctx).Model(&models.Run{}).
		Where("uuid = ?", uuid).
		Updates(fields).Error
}

// AppendRunLog appends text to the run's log column in one statement so
// that concurrent writers interleave rather than overwrite.
func (db *GormDB) AppendRunLog(ctx context.Context, uuid string, text string) error {
	if text == "" {
		return nil
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return db.db.WithContext(ctx).Model(&models.Run{}).
		Where("uuid = ?", uuid).
		Update("log", gorm.Expr("log || ?", text)).Error
}

// SetRunStopRequested flips the cooperative cancellation flag.
func (db *GormDB) SetRunStopRequested(ctx context.Context, uuid string, requested bool) error {
	return db.db.WithContext(ctx).Model(&models.Run{}).
		Where("uuid = ?", uuid).
		Update("stop_requested", requested).Error
}

// DeleteRun removes one run row.
func (db *GormDB) DeleteRun(ctx context.Context, uuid string) error {
	return db.db.WithContext(ctx).Delete(&models.Run{}, "uuid = ?", uuid).Error
}

// --- Scan entities ---

const createBatchSize = 500

// CreateResources bulk-inserts codebase resource rows.
func (db *GormDB) CreateResources(ctx context.Context, resources []models.CodebaseResource) error {
	if len(resources) == 0 {
		return nil
	}
	return db.db.WithContext(ctx).CreateInBatches(resources, createBatchSize).Error
}

// SaveResource upserts one resource row.
func (db *GormDB) SaveResource(ctx context.Context, resource *models.CodebaseResource) error {
	return db.db.WithContext(ctx).Save(resource).Error
}

// ListResources retrieves resources of a project matching the filter,
// ordered by path.
func (db *GormDB) ListResources(ctx context.Context, projectUUID string, filter ResourceFilter) ([]models.CodebaseResource, error) {
	q := db.db.WithContext(ctx).Where("project_uuid = ?", projectUUID)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Tag != "" {
		q = q.Where("tag = ?", filter.Tag)
	}
	if len(filter.ComplianceAlerts) > 0 {
		q = q.Where("compliance_alert IN ?", filter.ComplianceAlerts)
	}
	if filter.PathContains != "" {
		q = q.Where("path LIKE ?", "%"+filter.PathContains+"%")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit).Offset(filter.Offset)
	}
	var resources []models.CodebaseResource
	if err := q.Order("path ASC").Find(&resources).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return resources, nil
}

// GetResourceByPath retrieves one resource by its project-relative path.
func (db *GormDB) GetResourceByPath(ctx context.Context, projectUUID, path string) (*models.CodebaseResource, error) {
	var resource models.CodebaseResource
	err := db.db.WithContext(ctx).
		Where("project_uuid = ? AND path = ?", projectUUID, path).
		First(&resource).Error
	if err != nil {
		return nil, wrapNotFound(err, "resource "+path)
	}
	return &resource, nil
}

// CountResources counts the codebase resources of a project.
func (db *GormDB) CountResources(ctx context.Context, projectUUID string) (int64, error) {
	return db.countByProject(ctx, &models.CodebaseResource{}, projectUUID)
}

// CreatePackages bulk-inserts discovered package rows.
func (db *GormDB) CreatePackages(ctx context.Context, packages []models.DiscoveredPackage) error {
	if len(packages) == 0 {
		return nil
	}
	return db.db.WithContext(ctx).CreateInBatches(packages, createBatchSize).Error
}

// SavePackage upserts one package row.
func (db *GormDB) SavePackage(ctx context.Context, pkg *models.DiscoveredPackage) error {
	return db.db.WithContext(ctx).Save(pkg).Error
}

// ListPackages retrieves packages of a project matching the filter.
func (db *GormDB) ListPackages(ctx context.Context, projectUUID string, filter PackageFilter) ([]models.DiscoveredPackage, error) {
	q := db.db.WithContext(ctx).Where("project_uuid = ?", projectUUID)
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.NameContains != "" {
		q = q.Where("name LIKE ?", "%"+filter.NameContains+"%")
	}
	if len(filter.ComplianceAlerts) > 0 {
		q = q.Where("compliance_alert IN ?", filter.ComplianceAlerts)
	}
	if filter.OnlyVulnerable {
		q = vulnerableClause(q)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit).Offset(filter.Offset)
	}
	var packages []models.DiscoveredPackage
	if err := q.Order("type ASC, name ASC, version ASC").Find(&packages).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return packages, nil
}

// CountPackages counts the discovered packages of a project.
func (db *GormDB) CountPackages(ctx context.Context, projectUUID string) (int64, error) {
	return db.countByProject(ctx, &models.DiscoveredPackage{}, projectUUID)
}

// vulnerableClause matches rows whose JSON vulnerability list is non-empty.
func vulnerableClause(q *gorm.DB) *gorm.DB {
	return q.Where("affected_by_vulnerabilities IS NOT NULL AND affected_by_vulnerabilities NOT IN ('', '[]', 'null')")
}

// CountVulnerablePackages counts packages with attached vulnerabilities.
func (db *GormDB) CountVulnerablePackages(ctx context.Context, projectUUID string) (int64, error) {
	var count int64
	err := vulnerableClause(db.db.WithContext(ctx).Model(&models.DiscoveredPackage{}).
		Where("project_uuid = ?", projectUUID)).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return count, nil
}

// CreateDependencies bulk-inserts discovered dependency rows.
func (db *GormDB) CreateDependencies(ctx context.Context, dependencies []models.DiscoveredDependency) error {
	if len(dependencies) == 0 {
		return nil
	}
	return db.db.WithContext(ctx).CreateInBatches(dependencies, createBatchSize).Error
}

// SaveDependency upserts one dependency row.
func (db *GormDB) SaveDependency(ctx context.Context, dependency *models.DiscoveredDependency) error {
	return db.db.WithContext(ctx).Save(dependency).Error
}

// ListDependencies retrieves the dependencies of a project.
func (db *GormDB) ListDependencies(ctx context.Context, projectUUID string) ([]models.DiscoveredDependency, error) {
	var dependencies []models.DiscoveredDependency
	err := db.db.WithContext(ctx).
		Where("project_uuid = ?", projectUUID).
		Order("purl ASC").
		Find(&dependencies).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return dependencies, nil
}

// CountDependencies counts the dependencies of a project.
func (db *GormDB) CountDependencies(ctx context.Context, projectUUID string) (int64, error) {
	return db.countByProject(ctx, &models.DiscoveredDependency{}, projectUUID)
}

// CountVulnerableDependencies counts dependencies with vulnerabilities.
func (db *GormDB) CountVulnerableDependencies(ctx context.Context, projectUUID string) (int64, error) {
	var count int64
	err := vulnerableClause(db.db.WithContext(ctx).Model(&models.DiscoveredDependency{}).
		Where("project_uuid = ?", projectUUID)).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return count, nil
}

// CreateRelations bulk-inserts codebase relation rows.
func (db *GormDB) CreateRelations(ctx context.Context, relations []models.CodebaseRelation) error {
	if len(relations) == 0 {
		return nil
	}
	return db.db.WithContext(ctx).CreateInBatches(relations, createBatchSize).Error
}

// ListRelations retrieves the codebase relations of a project.
func (db *GormDB) ListRelations(ctx context.Context, projectUUID string) ([]models.CodebaseRelation, error) {
	var relations []models.CodebaseRelation
	err := db.db.WithContext(ctx).
		Where("project_uuid = ?", projectUUID).
		Order("from_resource_path ASC").
		Find(&relations).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return relations, nil
}

// CountRelations counts the codebase relations of a project.
func (db *GormDB) CountRelations(ctx context.Context, projectUUID string) (int64, error) {
	return db.countByProject(ctx, &models.CodebaseRelation{}, projectUUID)
}

// CreateMessage inserts one project message row.
func (db *GormDB) CreateMessage(ctx context.Context, message *models.ProjectMessage) error {
	return db.db.WithContext(ctx).Create(message).Error
}

// ListMessages retrieves the messages of a project, oldest first.
func (db *GormDB) ListMessages(ctx context.Context, projectUUID string) ([]models.ProjectMessage, error) {
	var messages []models.ProjectMessage
	err := db.db.WithContext(ctx).
		Where("project_uuid = ?", projectUUID).
		Order("created_at ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return messages, nil
}

// CountMessages counts the messages of a project.
func (db *GormDB) CountMessages(ctx context.Context, projectUUID string) (int64, error) {
	return db.countByProject(ctx, &models.ProjectMessage{}, projectUUID)
}

func (db *GormDB) countByProject(ctx context.Context, model any, projectUUID string) (int64, error) {
	var count int64
	err := db.db.WithContext(ctx).Model(model).
		Where("project_uuid = ?", projectUUID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return count, nil
}

// DeleteScanData drops every scan entity of a project.
func (db *GormDB) DeleteScanData(ctx context.Context, projectUUID string) error {
	return db.Transaction(ctx, func(tx Repository) error {
		gtx := tx.(*GormDB).db
		for _, model := range []any{
			&models.ProjectMessage{},
			&models.CodebaseRelation{},
			&models.DiscoveredDependency{},
			&models.DiscoveredPackage{},
			&models.CodebaseResource{},
		} {
			if err := gtx.Where("project_uuid = ?", projectUUID).Delete(model).Error; err != nil {
				return fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
			}
		}
		return nil
	})
}

// --- Webhooks ---

// CreateWebhookSubscription inserts one subscription row.
func (db *GormDB) CreateWebhookSubscription(ctx context.Context, subscription *models.WebhookSubscription) error {
	return db.db.WithContext(ctx).Create(subscription).Error
}

// GetWebhookSubscription retrieves one subscription by uuid.
func (db *GormDB) GetWebhookSubscription(ctx context.Context, uuid string) (*models.WebhookSubscription, error) {
	var subscription models.WebhookSubscription
	if err := db.db.WithContext(ctx).First(&subscription, "uuid = ?", uuid).Error; err != nil {
		return nil, wrapNotFound(err, "webhook subscription "+uuid)
	}
	return &subscription, nil
}

// ListWebhookSubscriptions retrieves the subscriptions of a project.
func (db *GormDB) ListWebhookSubscriptions(ctx context.Context, projectUUID string, activeOnly bool) ([]models.WebhookSubscription, error) {
	q := db.db.WithContext(ctx).Where("project_uuid = ?", projectUUID)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var subscriptions []models.WebhookSubscription
	if err := q.Order("created_at ASC").Find(&subscriptions).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return subscriptions, nil
}

// DeleteWebhookSubscriptions drops the subscriptions of a project. With
// keepGlobal, subscriptions created from the global webhook template stay.
func (db *GormDB) DeleteWebhookSubscriptions(ctx context.Context, projectUUID string, keepGlobal bool) error {
	q := db.db.WithContext(ctx).Where("project_uuid = ?", projectUUID)
	if keepGlobal {
		q = q.Where("is_global = ?", false)
	}
	return q.Delete(&models.WebhookSubscription{}).Error
}

// CreateWebhookDelivery inserts one delivery attempt row.
func (db *GormDB) CreateWebhookDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	return db.db.WithContext(ctx).Create(delivery).Error
}

// ListWebhookDeliveries retrieves delivery attempts, oldest first.
func (db *GormDB) ListWebhookDeliveries(ctx context.Context, subscriptionUUID string) ([]models.WebhookDelivery, error) {
	var deliveries []models.WebhookDelivery
	err := db.db.WithContext(ctx).
		Where("subscription_uuid = ?", subscriptionUUID).
		Order("sent_at ASC, attempt ASC").
		Find(&deliveries).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrDatabase, err)
	}
	return deliveries, nil
}

// --- Users ---

// CreateUser inserts one user row.
func (db *GormDB) CreateUser(ctx context.Context, user *models.User) error {
	return db.db.WithContext(ctx).Create(user).Error
}

// GetUserByUsername retrieves one user by username.
func (db *GormDB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	if err := db.db.WithContext(ctx).First(&user, "username = ?", username).Error; err != nil {
		return nil, wrapNotFound(err, "user "+username)
	}
	return &user, nil
}

// GetUserByAPIKey retrieves one active user by API key.
func (db *GormDB) GetUserByAPIKey(ctx context.Context, apiKey string) (*models.User, error) {
	var user models.User
	err := db.db.WithContext(ctx).
		Where("api_key = ? AND is_active = ?", apiKey, true).
		First(&user).Error
	if err != nil {
		return nil, wrapNotFound(err, "api key")
	}
	return &user, nil
}
