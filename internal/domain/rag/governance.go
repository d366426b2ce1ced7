package rag

// governanceMultipliers 治理模式 × 风险等级 → 分数乘子
var governanceMultipliers = map[GovernanceMode]map[RiskLevel]float64{
	ModeReadOnly:   {RiskSafe: 1.0, RiskSensitive: 0.1, RiskDangerous: 0.0},
	ModePermission: {RiskSafe: 1.0, RiskSensitive: 0.8, RiskDangerous: 0.5},
	ModeBypass:     {RiskSafe: 1.0, RiskSensitive: 1.0, RiskDangerous: 1.0},
}

// governanceStatuses 治理模式 × 风险等级 → 可见性
var governanceStatuses = map[GovernanceMode]map[RiskLevel]AllowedStatus{
	ModeReadOnly:   {RiskSafe: StatusAllowed, RiskSensitive: StatusBlocked, RiskDangerous: StatusBlocked},
	ModePermission: {RiskSafe: StatusAllowed, RiskSensitive: StatusPromptRequired, RiskDangerous: StatusPromptRequired},
	ModeBypass:     {RiskSafe: StatusAllowed, RiskSensitive: StatusAllowed, RiskDangerous: StatusAllowed},
}

// NormalizeRisk 未知风险等级一律按 safe 处理
func NormalizeRisk(level RiskLevel) RiskLevel {
	switch level {
	case RiskSafe, RiskSensitive, RiskDangerous:
		return level
	default:
		return RiskSafe
	}
}

// GovernanceMultiplier 查表取乘子，未知模式按 PERMISSION 处理
func GovernanceMultiplier(mode GovernanceMode, level RiskLevel) float64 {
	table, ok := governanceMultipliers[mode]
	if !ok {
		table = governanceMultipliers[ModePermission]
	}
	return table[NormalizeRisk(level)]
}

// GovernanceStatus 查表取可见性，未知模式按 PERMISSION 处理
func GovernanceStatus(mode GovernanceMode, level RiskLevel) AllowedStatus {
	table, ok := governanceStatuses[mode]
	if !ok {
		table = governanceStatuses[ModePermission]
	}
	return table[NormalizeRisk(level)]
}
