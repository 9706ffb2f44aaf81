package store

import (
	"math"

	"geoattend/internal/model"
)

const topClassrooms = 5

// countInto adds n records with the given result and status.
func countInto(sum *model.AttendanceSummary, result model.Result, status model.Status, n int) {
	sum.TotalRecords += n
	switch result {
	case model.ResultOnTime:
		sum.OnTimeCount += n
	case model.ResultLate:
		sum.LateCount += n
	}
	switch status {
	case model.StatusPending:
		sum.PendingCount += n
	case model.StatusConfirmed:
		sum.ConfirmedCount += n
	case model.StatusRejected:
		sum.RejectedCount += n
	}
}

// finishSummary fills the percentage fields, one decimal place.
func finishSummary(sum *model.AttendanceSummary) {
	if sum.TopClassroomsLate == nil {
		sum.TopClassroomsLate = []model.ClassroomCount{}
	}
	if sum.TotalRecords == 0 {
		return
	}
	total := float64(sum.TotalRecords)
	sum.PresentRate = math.Round(float64(sum.OnTimeCount)/total*1000) / 10
	sum.LateRate = math.Round(float64(sum.LateCount)/total*1000) / 10
}
