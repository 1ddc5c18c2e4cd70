// Package config loads the typed startup configuration for the governance
// core: budget rules, decision thresholds, kill switch trigger levels,
// settlement parameters, and infrastructure endpoints. Thresholds are frozen
// at startup so the approval engine stays a pure function of its inputs.
package config
