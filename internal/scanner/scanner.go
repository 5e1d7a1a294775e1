// Package scanner runs the out-of-band scans: compliance and
// environment discovery. Both publish snapshot documents the core (and
// the server) may read; neither drives the detection loop.
//
// Scheduling is cron-based. Failures are logged and the previous
// snapshot file stays in place.

package scanner

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/clock"
	"github.com/warden-agent/warden/internal/fsatomic"
	"github.com/warden-agent/warden/internal/metricstore"
	"github.com/warden-agent/warden/internal/ticket"
)

// ComplianceSnapshot is the periodic policy-state document.
type ComplianceSnapshot struct {
	TakenAt       time.Time         `json:"takenAt"`
	NodeID        string            `json:"nodeId"`
	TicketStats   ticket.Statistics `json:"ticketStats"`
	ServicesDown  []string          `json:"servicesDown"`
	DisksOverused []string          `json:"disksOverused"`
}

// DiscoverySnapshot is the periodic inventory document.
type DiscoverySnapshot struct {
	TakenAt   time.Time `json:"takenAt"`
	NodeID    string    `json:"nodeId"`
	Drives    []string  `json:"drives"`
	Services  []string  `json:"services"`
	Processes int       `json:"processes"`
}

// Scanners owns the cron scheduler and both scan jobs.
type Scanners struct {
	cron           *cron.Cron
	store          *metricstore.Store
	tickets        *ticket.Store
	clk            clock.Clock
	nodeID         string
	compliancePath string
	discoveryPath  string
	log            *zap.Logger
}

// New builds the scanner pair writing snapshots to compliancePath and
// discoveryPath.
func New(store *metricstore.Store, tickets *ticket.Store, clk clock.Clock, nodeID, compliancePath, discoveryPath string, log *zap.Logger) *Scanners {
	return &Scanners{
		cron:           cron.New(),
		store:          store,
		tickets:        tickets,
		clk:            clk,
		nodeID:         nodeID,
		compliancePath: compliancePath,
		discoveryPath:  discoveryPath,
		log:            log,
	}
}

// Start registers the schedules and starts the scheduler.
func (s *Scanners) Start(complianceSpec, discoverySpec string) error {
	if _, err := s.cron.AddFunc(complianceSpec, s.runCompliance); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(discoverySpec, s.runDiscovery); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("scanners scheduled",
		zap.String("compliance", complianceSpec),
		zap.String("discovery", discoverySpec))
	return nil
}

// Stop halts the scheduler, waiting for a running job to finish.
func (s *Scanners) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scanners) runCompliance() {
	now := s.clk.Now()
	snap := s.store.Snapshot(now)

	doc := ComplianceSnapshot{
		TakenAt:     now.UTC(),
		NodeID:      s.nodeID,
		TicketStats: s.tickets.Statistics(),
	}
	for _, svc := range snap.Services {
		if svc.State == metricstore.ServiceStopped && svc.StartType == metricstore.StartAutomatic {
			doc.ServicesDown = append(doc.ServicesDown, svc.Name)
		}
	}
	for _, d := range snap.Disks {
		if d.UsedPercent > 90 {
			doc.DisksOverused = append(doc.DisksOverused, d.Drive)
		}
	}
	if err := fsatomic.WriteJSON(s.compliancePath, doc, 0o600); err != nil {
		s.log.Warn("compliance snapshot write failed", zap.Error(err))
		return
	}
	s.log.Info("compliance snapshot published",
		zap.Int("services_down", len(doc.ServicesDown)))
}

func (s *Scanners) runDiscovery() {
	now := s.clk.Now()
	snap := s.store.Snapshot(now)

	doc := DiscoverySnapshot{
		TakenAt:   now.UTC(),
		NodeID:    s.nodeID,
		Processes: len(snap.Processes),
	}
	for _, d := range snap.Disks {
		doc.Drives = append(doc.Drives, d.Drive)
	}
	for _, svc := range snap.Services {
		doc.Services = append(doc.Services, svc.Name)
	}
	if err := fsatomic.WriteJSON(s.discoveryPath, doc, 0o600); err != nil {
		s.log.Warn("discovery snapshot write failed", zap.Error(err))
		return
	}
	s.log.Info("discovery snapshot published",
		zap.Int("drives", len(doc.Drives)), zap.Int("services", len(doc.Services)))
}
