package aggregate

import (
	"fmt"
	"strings"

	"github.com/sells-group/market-trends/internal/query"
)

// Output files.
const (
	LeakageFile    = "leakage_report.csv"
	VolatilityFile = "regional_volatility.csv"
	EngagementFile = "engagement_metrics.csv"
	StatsFile      = "market_stats.json"
)

// MomentumFile is the momentum heatmap for year.
func MomentumFile(year int) string { return fmt.Sprintf("momentum_%d.csv", year) }

// DailyTotalsFile is the daily transaction count table for year.
func DailyTotalsFile(year int) string { return fmt.Sprintf("daily_transactions_%d.csv", year) }

const durationExpr = "date_diff('microsecond', pickup_time, dropoff_time) / 60000000.0"

func (e *Engine) zone() string { return query.InList(e.cfg.ZoneIDs) }

func (e *Engine) quarter() string { return query.InList(e.cfg.QuarterMonths) }

func (e *Engine) startDate() string { return "TIMESTAMP " + query.Quote(e.cfg.StartDate) }

func (e *Engine) view(year int) string { return query.Ident(query.TripsView(year)) }

func sourceTypes(types []string) string {
	quoted := make([]string, len(types))
	for i, st := range types {
		quoted[i] = query.Quote(st)
	}
	return strings.Join(quoted, ", ")
}

// RevenueSQL sums the congestion fee on target-year trips touching the zone
// from the start date onward.
func (e *Engine) RevenueSQL() string {
	return "SELECT SUM(congestion_surcharge) FROM " + e.view(e.cfg.TargetYear) +
		" WHERE pickup_time >= " + e.startDate() +
		" AND (pickup_loc IN (" + e.zone() + ") OR dropoff_loc IN (" + e.zone() + "))"
}

// Leakage ranks outside pickup locations by the share of their into-zone
// trips that carried no fee. Locations at or under the significance floor
// are left out.
func (e *Engine) Leakage() query.TableSpec {
	compliant := "SUM(CASE WHEN congestion_surcharge > 0 THEN 1 ELSE 0 END)"
	rate := "CAST(" + compliant + " AS DOUBLE) / COUNT(*)"
	sql := "SELECT pickup_loc," +
		" COUNT(*) AS total_trans," +
		" " + compliant + " AS compliant_trans," +
		" " + rate + " AS compliance_rate," +
		" 1.0 - " + rate + " AS leakage_rate" +
		" FROM " + e.view(e.cfg.TargetYear) +
		" WHERE pickup_time >= " + e.startDate() +
		" AND pickup_loc NOT IN (" + e.zone() + ")" +
		" AND dropoff_loc IN (" + e.zone() + ")" +
		fmt.Sprintf(" GROUP BY pickup_loc HAVING COUNT(*) > %d", e.cfg.LeakageMinTrans) +
		fmt.Sprintf(" ORDER BY leakage_rate DESC, pickup_loc ASC LIMIT %d", e.cfg.LeakageLimit)
	return query.TableSpec{Name: "leakage", Output: LeakageFile, SQL: sql}
}

// VolumeSQL counts year's trips ending in the zone during the quarter months.
func (e *Engine) VolumeSQL(year int) string {
	return "SELECT COUNT(*) FROM " + e.view(year) +
		" WHERE dropoff_loc IN (" + e.zone() + ")" +
		fmt.Sprintf(" AND year(dropoff_time) = %d", year) +
		" AND month(dropoff_time) IN (" + e.quarter() + ")"
}

// Momentum averages the momentum index per weekday and hour for zone-bound
// trips in the quarter months, after dropping outliers.
func (e *Engine) Momentum(year int) query.TableSpec {
	momentum := fmt.Sprintf("trip_distance / (GREATEST(duration_min, %g) / 60.0)", e.cfg.MomentumMinDurationMin)

	sql := "WITH trips AS (SELECT *, " + durationExpr + " AS duration_min FROM " + e.view(year) + ")" +
		" SELECT dayofweek(pickup_time) AS dow, hour(pickup_time) AS hour, AVG(" + momentum + ") AS avg_momentum" +
		" FROM trips" +
		" WHERE source_type IN (" + sourceTypes(e.cfg.VelocitySourceTypes) + ")" +
		fmt.Sprintf(" AND year(pickup_time) = %d", year) +
		" AND month(pickup_time) IN (" + e.quarter() + ")" +
		" AND dropoff_loc IN (" + e.zone() + ")" +
		fmt.Sprintf(" AND duration_min > %g", e.cfg.MomentumMinDurationMin) +
		fmt.Sprintf(" AND trip_distance > %g", e.cfg.MomentumMinDistance) +
		fmt.Sprintf(" AND %s < %g", momentum, e.cfg.MomentumMaxSpeed) +
		" GROUP BY 1, 2 ORDER BY 1, 2"
	return query.TableSpec{Name: fmt.Sprintf("momentum_%d", year), Output: MomentumFile(year), SQL: sql}
}

// Volatility compares quarter dropoff counts per location between the
// comparison and target years, over the volatility source types. A location
// seen in only one year counts 0 in the other.
func (e *Engine) Volatility() query.TableSpec {
	counts := func(year int) string {
		return "SELECT dropoff_loc AS loc, COUNT(*) AS cnt FROM " + e.view(year) +
			" WHERE source_type IN (" + sourceTypes(e.cfg.VolatilitySourceTypes) + ")" +
			fmt.Sprintf(" AND year(dropoff_time) = %d", year) +
			" AND month(dropoff_time) IN (" + e.quarter() + ") GROUP BY 1"
	}
	sql := "WITH a AS (" + counts(e.cfg.ComparisonYear) + "), b AS (" + counts(e.cfg.TargetYear) + ")," +
		" joined AS (SELECT COALESCE(a.loc, b.loc) AS location_id," +
		" COALESCE(a.cnt, 0) AS count_a, COALESCE(b.cnt, 0) AS count_b" +
		" FROM a FULL OUTER JOIN b ON a.loc = b.loc)" +
		" SELECT location_id, count_a, count_b, count_b - count_a AS diff," +
		" CASE WHEN count_a > 0 THEN (count_b - count_a) * 100.0 / count_a ELSE 0.0 END AS pct_change" +
		" FROM joined"
	if e.cfg.VolatilityMinCount > 0 {
		sql += fmt.Sprintf(" WHERE count_a > %d", e.cfg.VolatilityMinCount)
	}
	sql += " ORDER BY location_id"
	return query.TableSpec{Name: "volatility", Output: VolatilityFile, SQL: sql}
}

// DailyTotals counts target-year trips per pickup date.
func (e *Engine) DailyTotals() query.TableSpec {
	sql := "SELECT CAST(pickup_time AS DATE) AS date, COUNT(*) AS transactions FROM " + e.view(e.cfg.TargetYear) +
		fmt.Sprintf(" WHERE year(pickup_time) = %d", e.cfg.TargetYear) +
		" GROUP BY 1 ORDER BY 1"
	return query.TableSpec{Name: "daily_totals", Output: DailyTotalsFile(e.cfg.TargetYear), SQL: sql}
}

// Engagement averages the fee and engagement score per pickup month.
func (e *Engine) Engagement() query.TableSpec {
	sql := "SELECT month(pickup_time) AS month," +
		" AVG(congestion_surcharge) AS avg_fee," +
		" AVG(CASE WHEN fare > 0 THEN (total_amount - fare) / fare ELSE 0 END) * 100 AS avg_engagement_score" +
		" FROM " + e.view(e.cfg.TargetYear) +
		fmt.Sprintf(" WHERE year(pickup_time) = %d", e.cfg.TargetYear) +
		" GROUP BY 1 ORDER BY 1"
	return query.TableSpec{Name: "engagement", Output: EngagementFile, SQL: sql}
}

// Tables lists every derived table in output order.
func (e *Engine) Tables() []query.TableSpec {
	return []query.TableSpec{
		e.Leakage(),
		e.Momentum(e.cfg.ComparisonYear),
		e.Momentum(e.cfg.TargetYear),
		e.Volatility(),
		e.DailyTotals(),
		e.Engagement(),
	}
}
