package core

import "github.com/mohammad-safakhou/sitrep/models"

const seedQueryDate = "2026-02-10"

// SeedNodes are served by the live feed when nothing better exists.
func SeedNodes() []models.LiveNode {
	return []models.LiveNode{
		{ID: "seed-ukraine-donbas", Title: "Donbas frontline pressure", Lat: 48.4, Lng: 37.9, Severity: models.ThreatHigh,
			Sitrep: "Sustained artillery and drone activity across Donbas sectors.", Timestamp: "2026-01-15T00:00:00Z"},
		{ID: "seed-gaza", Title: "Gaza perimeter combat activity", Lat: 31.5, Lng: 34.45, Severity: models.ThreatHigh,
			Sitrep: "Cross-border strikes and urban combat pressure remain elevated.", Timestamp: "2026-01-12T00:00:00Z"},
		{ID: "seed-khartoum", Title: "Khartoum urban clashes", Lat: 15.5007, Lng: 32.5599, Severity: models.ThreatHigh,
			Sitrep: "Armed confrontations persist in key Khartoum districts.", Timestamp: "2026-01-10T00:00:00Z"},
		{ID: "seed-sahel", Title: "Sahel tri-border insurgency activity", Lat: 15.3, Lng: -0.1, Severity: models.ThreatMedium,
			Sitrep: "Insurgent mobility and attacks reported across the tri-border belt.", Timestamp: "2025-12-28T00:00:00Z"},
		{ID: "seed-myanmar", Title: "Myanmar corridor fighting", Lat: 21.2, Lng: 96.0, Severity: models.ThreatMedium,
			Sitrep: "Renewed fighting reported along transport corridors.", Timestamp: "2026-01-08T00:00:00Z"},
	}
}

// SeedOsint backs SeedNodes.
func SeedOsint() []models.OsintNewsItem {
	item := func(title, snippet, date string) models.OsintNewsItem {
		return models.OsintNewsItem{Title: title, Snippet: snippet, Source: "Fallback OSINT", Date: date, QueryDateContext: seedQueryDate}
	}
	return []models.OsintNewsItem{
		item("Ukraine frontline artillery exchanges continue in Donbas", "Sustained shelling and drone strikes reported near Donetsk and Luhansk sectors.", "2026-01-15"),
		item("Gaza-Israel cross-border strikes persist", "Renewed exchanges and urban combat pressure continue around Gaza perimeter.", "2026-01-12"),
		item("Sudan urban clashes intensify in Khartoum corridor", "Armed confrontations and mobility restrictions reported in central districts.", "2026-01-10"),
		item("Sahel insurgent activity spikes across tri-border zone", "Militant attacks and force deployments reported in Mali-Burkina-Niger belt.", "2025-12-28"),
		item("Myanmar conflict areas report renewed fighting", "Armed groups and military units engaged near key transport corridors.", "2026-01-08"),
	}
}
