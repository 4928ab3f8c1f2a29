package orchestrator

import (
	"math"

	"drillcontrol/pkg/types"
)

const equalTolerance = 1e-9

// conditionsMatch evaluates a step's stop-condition expression. An empty
// list never matches. OR matches on the first true term, AND fails on the
// first false one.
func conditionsMatch(conds []types.StopCondition, logic types.ConditionLogic, s types.Sample, p types.ParameterSet) bool {
	if len(conds) == 0 {
		return false
	}
	if logic == types.LogicAnd {
		for _, c := range conds {
			if !conditionHolds(c, s, p) {
				return false
			}
		}
		return true
	}
	for _, c := range conds {
		if conditionHolds(c, s, p) {
			return true
		}
	}
	return false
}

func conditionHolds(c types.StopCondition, s types.Sample, p types.ParameterSet) bool {
	switch c.Sensor {
	case types.SensorTorque:
		return compare(s.Torque, c.Op, c.Threshold)
	case types.SensorPressure:
		return compare(s.Pressure(p.DrillStringWeight), c.Op, c.Threshold)
	case types.SensorStall:
		// 堵转为布尔量，与 threshold>0.5 做相等比较，忽略运算符
		return s.Stalled(p.StallVelocity) == (c.Threshold > 0.5)
	}
	return false
}

func compare(v float64, op types.Comparator, threshold float64) bool {
	switch op {
	case types.CompareGreater:
		return v > threshold
	case types.CompareGreaterEqual:
		return v >= threshold
	case types.CompareLess:
		return v < threshold
	case types.CompareLessEqual:
		return v <= threshold
	case types.CompareEqual:
		return math.Abs(v-threshold) < equalTolerance
	}
	return false
}
