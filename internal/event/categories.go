package event

// Abuse-report category codes from the reporting service's taxonomy.
const (
	CategoryPortScan     = 14
	CategoryBruteForce   = 18
	CategoryWebAppAttack = 21
	CategorySSH          = 22
	CategoryWebSpam      = 10
	CategoryBadWebBot    = 19
)

// CategoriesForPort maps a destination port seen in a firewall drop to
// the category codes attached to the abuse report for it.
func CategoriesForPort(port int) []int {
	switch port {
	case 22:
		return []int{CategoryBruteForce, CategorySSH}
	case 80, 443:
		return []int{CategoryWebAppAttack}
	default:
		return []int{CategoryPortScan}
	}
}
