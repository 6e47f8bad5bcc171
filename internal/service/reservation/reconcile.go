package reservation

import (
	"context"
	"fmt"
	"time"

	"groupbuy/internal/model"
	"groupbuy/pkg/log"
	"groupbuy/pkg/utils"
)

// TeamReader loads the stored state of a team
type TeamReader interface {
	GetTeam(ctx context.Context, teamID string) (*model.Team, error)
}

// ConsistencyReport slot counters of one team against its stored lock count
type ConsistencyReport struct {
	TeamID      string `json:"team_id"`
	ActivityID  int64  `json:"activity_id"`
	TeamStatus  int8   `json:"team_status"`
	TargetCount int    `json:"target_count"`
	LockCount   int    `json:"lock_count"`
	Occupied    int64  `json:"occupied"`
	Recovered   int64  `json:"recovered"`
	// Leaked slots claimed in the counter store with no locked order behind them
	Leaked     int64     `json:"leaked"`
	Consistent bool      `json:"consistent"`
	CheckTime  time.Time `json:"check_time"`
}

// Reconciler compares slot counters with the trade store
type Reconciler struct {
	engine *Engine
	teams  TeamReader
}

// NewReconciler creates a reconciler
func NewReconciler(engine *Engine, teams TeamReader) *Reconciler {
	return &Reconciler{engine: engine, teams: teams}
}

// Check reports leaked slots of a team. A reservation still between its
// claim and its order commit shows up as a transient leak.
func (r *Reconciler) Check(ctx context.Context, teamID string) (*ConsistencyReport, error) {
	team, err := r.teams.GetTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	if team == nil {
		return nil, utils.ErrNotFound
	}

	stockKey := StockKey(team.ActivityID, team.TeamID)
	occupied, err := r.engine.Occupied(ctx, stockKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read occupancy: %w", err)
	}
	recovered, err := r.engine.Recovered(ctx, RecoveryKey(stockKey))
	if err != nil {
		return nil, fmt.Errorf("failed to read recovery: %w", err)
	}

	leaked := occupied - recovered - int64(team.LockCount)
	if leaked < 0 {
		leaked = 0
	}
	report := &ConsistencyReport{
		TeamID:      team.TeamID,
		ActivityID:  team.ActivityID,
		TeamStatus:  team.Status,
		TargetCount: team.TargetCount,
		LockCount:   team.LockCount,
		Occupied:    occupied,
		Recovered:   recovered,
		Leaked:      leaked,
		Consistent:  leaked == 0,
		CheckTime:   time.Now(),
	}

	fields := map[string]interface{}{
		"team_id":    team.TeamID,
		"occupied":   occupied,
		"recovered":  recovered,
		"lock_count": team.LockCount,
		"leaked":     leaked,
	}
	if report.Consistent {
		log.WithFields(fields).Info("Team slots are consistent")
	} else {
		log.WithFields(fields).Warn("Team slot leak detected")
	}
	return report, nil
}

// Repair credits leaked slots of an open team back to its capacity. Over
// crediting cannot overfill a team: the store still caps lock_count.
func (r *Reconciler) Repair(ctx context.Context, teamID string) (*ConsistencyReport, error) {
	report, err := r.Check(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if report.Consistent {
		return report, nil
	}
	if !(&model.Team{Status: report.TeamStatus}).IsOpen() {
		log.WithField("team_id", teamID).Info("Team no longer open, leaked slots left as is")
		return report, nil
	}

	recoveryKey := RecoveryKey(StockKey(report.ActivityID, report.TeamID))
	if err := r.engine.client.IncrBy(ctx, recoveryKey, report.Leaked).Err(); err != nil {
		return nil, fmt.Errorf("stock recover %s: %w", recoveryKey, err)
	}

	log.WithFields(map[string]interface{}{
		"team_id":  teamID,
		"credited": report.Leaked,
	}).Info("Leaked team slots credited back")

	return r.Check(ctx, teamID)
}
