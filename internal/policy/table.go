package policy

import "orbita/internal/domain"

// Entry is one row of the decision table.
type Entry struct {
	Action       string
	RootCause    string
	Summary      string
	Alternatives []domain.Alternative

	GlobalSpaceState string
	DetectedPatterns []string
	PredictedEvents  []domain.PredictedEvent
	RiskAssessment   string
	Recommendations  []string
	Counterfactual   string
}

// Table maps anomaly types to their policy entry.
type Table map[domain.AnomalyType]Entry

const (
	ActionMonitorAndLog     = "MONITOR_AND_LOG"
	ActionContinueNominal   = "CONTINUE_NOMINAL_OPERATIONS"
	RootCauseUnclassified   = "unclassified"
	fallbackConfidence      = 0.5
	nominalExplanation      = "Telemetry within the nominal operating envelope. Variance within 1-sigma of the behavioral fingerprint."
	nominalGlobalSpaceState = "Orbital shells nominal. No large-scale debris cascades detected in current sector."
)

// DefaultTable returns the built-in decision table.
func DefaultTable() Table {
	return Table{
		domain.AnomalyLowBattery: {
			Action:    "ACTIVATE_EMERGENCY_LOAD_SHEDDING",
			RootCause: "Solar occultation during a high-draw payload cycle",
			Summary:   "Voltage drop below the baseline behavioral fingerprint.",
			Alternatives: []domain.Alternative{
				{Action: "PRIORITIZE_TTC_BUS_OVER_PAYLOAD", Risk: domain.RiskLow},
				{Action: "REORIENT_SOLAR_ARRAYS_SUN_POINT", Risk: domain.RiskMedium},
				{Action: "ENTER_SAFE_MODE", Risk: domain.RiskHigh},
			},
			GlobalSpaceState: "SATELLITE ENERGY DEFICIT DETECTED. Local sector power availability compromised.",
			DetectedPatterns: []string{"Cyclic power drop correlated with eclipse entry", "Battery cell impedance anomaly"},
			PredictedEvents: []domain.PredictedEvent{
				{Event: "Critical Bus Failure / Power Outage", Probability: 0.92, TimeHorizon: "T+45 mins"},
				{Event: "Payload thermal threshold violation", Probability: 0.75, TimeHorizon: "T+60 mins"},
			},
			RiskAssessment:  "CRITICAL: Potential loss of node in planetary constellation.",
			Recommendations: []string{"ACTIVATE: Emergency Load Shedding protocol", "Prioritize TT&C bus over payload systems"},
			Counterfactual:  "Without load shedding, battery depth-of-discharge would reach 100% in 42 minutes, resulting in permanent hardware degradation.",
		},
		domain.AnomalyThermalRunaway: {
			Action:    "ACTIVATE_REDUNDANT_RADIATOR_LOOP_B",
			RootCause: "Radiator flow restriction on the primary coolant loop",
			Summary:   "Thermal gradients deviate from the expected physics model.",
			Alternatives: []domain.Alternative{
				{Action: "PERFORM_BBQ_ROLL_THERMAL_DISTRIBUTION", Risk: domain.RiskLow},
				{Action: "THROTTLE_PAYLOAD_COMPUTE", Risk: domain.RiskMedium},
				{Action: "EMERGENCY_THERMAL_SHUTDOWN", Risk: domain.RiskHigh},
			},
			GlobalSpaceState: "THERMAL INSTABILITY - Subsystem heat signature exceeding safety margins.",
			DetectedPatterns: []string{"Non-linear thermal climb on core processor", "Radiator efficiency degradation signature"},
			PredictedEvents: []domain.PredictedEvent{
				{Event: "Compute Module Thermal Shutdown", Probability: 0.88, TimeHorizon: "T+15 mins"},
				{Event: "Coolant loop mechanical fatigue", Probability: 0.40, TimeHorizon: "T+24 hrs"},
			},
			RiskAssessment:  "HIGH: Thermal runaway risk to core avionics.",
			Recommendations: []string{"INITIATE: Redundant Radiator Loop B activation", "Perform BBQ roll for passive thermal distribution"},
			Counterfactual:  "Passive cooling alone would result in an automated safety shutdown by T+20 mins, leading to 2 hours of telemetry blackout.",
		},
		domain.AnomalyThermalWarning: {
			Action:    "THROTTLE_PAYLOAD_COMPUTE",
			RootCause: "Sustained payload duty cycle during sunlit arc",
			Summary:   "Temperature trending toward the runaway threshold.",
			Alternatives: []domain.Alternative{
				{Action: "INCREASE_RADIATOR_EXPOSURE", Risk: domain.RiskLow},
				{Action: "PERFORM_BBQ_ROLL_THERMAL_DISTRIBUTION", Risk: domain.RiskMedium},
			},
			GlobalSpaceState: "Thermal margin shrinking; subsystem heat load elevated.",
			DetectedPatterns: []string{"Gradual thermal climb under payload load"},
			PredictedEvents: []domain.PredictedEvent{
				{Event: "Thermal runaway threshold crossing", Probability: 0.35, TimeHorizon: "T+30 mins"},
			},
			RiskAssessment:  "MODERATE: Thermal margin erosion.",
			Recommendations: []string{"Reduce payload compute duty cycle", "Increase radiator exposure"},
			Counterfactual:  "Without throttling, core temperature would cross the runaway threshold within the next sunlit arc.",
		},
		domain.AnomalyInstability: {
			Action:    "EXECUTE_REACTION_WHEEL_DESATURATION",
			RootCause: "Momentum saturation from accumulated external disturbance torque",
			Summary:   "Attitude control laws approaching singularity.",
			Alternatives: []domain.Alternative{
				{Action: "ALIGN_SOLAR_ARRAYS_SUN_POINT", Risk: domain.RiskLow},
				{Action: "FIRE_ATTITUDE_THRUSTERS", Risk: domain.RiskMedium},
				{Action: "ENTER_SAFE_MODE", Risk: domain.RiskHigh},
			},
			GlobalSpaceState: "ATTITUDE DIVERGENCE - Planetary state correlation error.",
			DetectedPatterns: []string{"Momentum saturation signature in Z-axis", "Attitude drift exceeding 1.2 deg/sec"},
			PredictedEvents: []domain.PredictedEvent{
				{Event: "Loss of Signal (LOS) due to antenna misalignment", Probability: 0.70, TimeHorizon: "T+10 mins"},
				{Event: "Reaction Wheel saturation limit reach", Probability: 0.95, TimeHorizon: "T+5 mins"},
			},
			RiskAssessment:  "MODERATE: Pointing accuracy loss affecting global coordination.",
			Recommendations: []string{"EXECUTE: Reaction Wheel Desaturation (Magnetorquers)", "Align solar arrays to Sun-Point during maneuver"},
			Counterfactual:  "Unchecked momentum accumulation would force a Safe Mode entry by T+15 mins, requiring manual human recovery.",
		},
		domain.AnomalyCommDegradation: {
			Action:    "SWITCH_TO_BACKUP_GROUND_STATION",
			RootCause: "Link budget degradation on the primary ground segment",
			Summary:   "Round-trip latency beyond the command window.",
			Alternatives: []domain.Alternative{
				{Action: "REDUCE_DOWNLINK_DATA_RATE", Risk: domain.RiskLow},
				{Action: "REPOINT_HIGH_GAIN_ANTENNA", Risk: domain.RiskMedium},
				{Action: "COMMAND_TRANSPONDER_RESET", Risk: domain.RiskHigh},
			},
			GlobalSpaceState: "COMMUNICATION DEGRADATION - Command uplink window narrowing.",
			DetectedPatterns: []string{"Latency growth across consecutive passes"},
			PredictedEvents: []domain.PredictedEvent{
				{Event: "Loss of command uplink", Probability: 0.60, TimeHorizon: "T+20 mins"},
			},
			RiskAssessment:  "HIGH: Delayed operator intervention on concurrent anomalies.",
			Recommendations: []string{"Hand over to backup ground station", "Reduce downlink data rate"},
			Counterfactual:  "Remaining on the degraded link would delay any recovery command by more than one pass.",
		},
	}
}
