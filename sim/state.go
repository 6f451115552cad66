package sim

import (
	"fmt"
	"math"
	"reflect"

	"github.com/sirupsen/logrus"
)

// SimulationState is a checkpoint of a halted simulation: its halt time, the
// next arrival ID of the planning queue and every unexecuted plan that
// carried PlanData. Starting a new simulation from it resumes the run.
type SimulationState struct {
	StartTime              float64
	PlanningQueueArrivalID int64
	Plans                  []PlanQueueData
}

// PlanQueueData is one unexecuted plan in a SimulationState.
type PlanQueueData struct {
	Time      float64
	ArrivalID int64
	Planner   Planner
	PlannerID int
	Active    bool
	Key       any
	Data      PlanData
}

// Validate checks the state's internal consistency.
func (st *SimulationState) Validate() error {
	if math.IsNaN(st.StartTime) || math.IsInf(st.StartTime, 0) {
		return fmt.Errorf("%w: start time %g", ErrInvalidHaltTime, st.StartTime)
	}
	for i, pd := range st.Plans {
		if pd.Data == nil {
			return fmt.Errorf("plan %d: %w", i, ErrNilPlanData)
		}
		if !(pd.Time >= st.StartTime) {
			return fmt.Errorf("plan %d: %w: %g is before %g", i, ErrPastPlanningTime, pd.Time, st.StartTime)
		}
		if pd.ArrivalID >= st.PlanningQueueArrivalID {
			return fmt.Errorf("plan %d: arrival id %d is not below the queue arrival id %d", i, pd.ArrivalID, st.PlanningQueueArrivalID)
		}
		if pd.Planner == PlannerKernel {
			return fmt.Errorf("plan %d: %w: kernel", i, ErrUnknownPlanOwner)
		}
	}
	return nil
}

type planConverter func(PlanQueueData) (*planEntry, error)

func (s *Simulation) setConverter(o owner, class reflect.Type, conv planConverter) {
	byClass, ok := s.converters[o]
	if !ok {
		byClass = make(map[reflect.Type]planConverter)
		s.converters[o] = byClass
	}
	byClass[class] = conv
}

// rehydrate rebuilds the plans of a resumed SimulationState through the
// converters registered by their owners.
func (s *Simulation) rehydrate() error {
	for i, pd := range s.state.Plans {
		pd := pd // per-iteration copy (Go 1.22 loop semantics)
		o := owner{planner: pd.Planner, id: pd.PlannerID}
		if !s.isLive(o) {
			return fmt.Errorf("resumed plan %d: %w: %s", i, ErrUnknownPlanOwner, o)
		}
		class := reflect.TypeOf(pd.Data)
		conv, ok := s.converters[o][class]
		if !ok {
			return fmt.Errorf("resumed plan %d: %w: %s has none for %v", i, ErrNoPlanConverter, o, class)
		}
		var e *planEntry
		err := SafeCall(func() (err error) {
			e, err = conv(pd)
			return err
		})
		if err != nil {
			return fmt.Errorf("resumed plan %d: %w", i, err)
		}
		if e.key != nil {
			if err := validateKey(e.key); err != nil {
				return fmt.Errorf("resumed plan %d: %w", i, err)
			}
			if _, dup := s.queue.lookup(o, e.key); dup {
				return fmt.Errorf("resumed plan %d: %w: %v", i, ErrDuplicatePlanKey, e.key)
			}
		}
		if pd.Planner == PlannerReport {
			e.active = false
		}
		e.arrivalID = pd.ArrivalID
		s.queue.insert(e)
	}
	logrus.Debugf("[t=%g] resumed %d plans", s.time, len(s.state.Plans))
	return nil
}

// snapshot captures the remaining plans. Plans without PlanData cannot be
// rebuilt and are dropped.
func (s *Simulation) snapshot(startTime float64) *SimulationState {
	remaining := s.queue.drain()
	state := &SimulationState{
		StartTime:              startTime,
		PlanningQueueArrivalID: s.queue.nextArrivalID,
		Plans:                  make([]PlanQueueData, 0, len(remaining)),
	}
	dropped := 0
	for _, e := range remaining {
		if e.data == nil {
			dropped++
			continue
		}
		state.Plans = append(state.Plans, PlanQueueData{
			Time:      e.time,
			ArrivalID: e.arrivalID,
			Planner:   e.owner.planner,
			PlannerID: e.owner.id,
			Active:    e.active,
			Key:       e.key,
			Data:      e.data,
		})
	}
	if dropped > 0 {
		logrus.Warnf("[t=%g] %d queued plans carry no plan data and were not recorded", s.time, dropped)
	}
	return state
}
