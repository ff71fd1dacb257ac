package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ryansname/regctl/src/phasor"
	"github.com/ryansname/regctl/src/simtime"
)

// Alarm levels
const (
	AlarmNone = "ok"
	AlarmLow  = "low"
	AlarmHigh = "high"
)

// alarmHoldOff is the simulated time an alarm stays raised before it may clear
const alarmHoldOff simtime.Time = 16 * 60

// VoltageAlarm is the alarm state of one regulator
type VoltageAlarm struct {
	Level string
	Phase int     // Phase that raised the alarm
	Volts float64 // 15 minute percentile that crossed the limit
	Since simtime.Time
}

// evaluateAlarm raises an alarm when a phase's 15 minute P1 check voltage is
// below the low limit or its P99 is above the high limit. A raised alarm
// clears once every phase is back inside the limits and the hold-off has passed.
func evaluateAlarm(alarm VoltageAlarm, data SimData, config VoltageAlarmConfig) (VoltageAlarm, bool) {
	status, ok := data.Regulator(config.Regulator)
	if !ok || status.Err != nil || len(data.Stats) == 0 {
		return alarm, false
	}

	for phase := range 3 {
		stats := data.GetStats(config.Regulator, phase)
		var level string
		var volts float64
		switch {
		case stats.P1._15 < config.Low:
			level, volts = AlarmLow, stats.P1._15
		case stats.P99._15 > config.High:
			level, volts = AlarmHigh, stats.P99._15
		default:
			continue
		}

		if alarm.Level == level {
			return alarm, false
		}
		return VoltageAlarm{Level: level, Phase: phase, Volts: volts, Since: data.Time}, true
	}

	switch {
	case alarm.Level == "":
		// First evaluation publishes the initial state
	case alarm.Level == AlarmNone:
		return alarm, false
	case data.Time-alarm.Since < alarmHoldOff:
		return alarm, false
	}
	return VoltageAlarm{Level: AlarmNone, Since: data.Time}, true
}

// voltageAlarmWorker watches one regulator's check voltage statistics and
// publishes alarm changes. A nil sender only logs.
func voltageAlarmWorker(
	ctx context.Context,
	dataChan <-chan SimData,
	config VoltageAlarmConfig,
	sender *MQTTSender,
	log logrus.FieldLogger,
) {
	log = log.WithField("regulator", config.Regulator)
	log.Infof("Voltage alarm worker started (limits: %.1fV to %.1fV)", config.Low, config.High)

	var alarm VoltageAlarm
	for {
		select {
		case data := <-dataChan:
			next, changed := evaluateAlarm(alarm, data, config)
			if !changed {
				continue
			}
			alarm = next

			switch alarm.Level {
			case AlarmNone:
				log.WithField("t", data.Time).Info("Check voltage within limits")
			default:
				log.WithFields(logrus.Fields{
					"t":     data.Time,
					"phase": phasor.Names[alarm.Phase],
				}).Warnf("Check voltage %s: %.2fV", alarm.Level, alarm.Volts)
			}

			if sender != nil {
				if err := sender.PublishAlarm(config.Regulator, alarm); err != nil {
					log.WithError(err).Error("Failed to publish alarm")
				}
			}

		case <-ctx.Done():
			log.Info("Voltage alarm worker stopped")
			return
		}
	}
}
