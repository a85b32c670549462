package invoice

// RUCLength is the length of a Peruvian taxpayer number.
const RUCLength = 11

var rucFactors = [10]int{5, 4, 3, 2, 7, 6, 5, 4, 3, 2}

// ValidRUC reports whether s is an 11 digit RUC with a correct check digit.
func ValidRUC(s string) bool {
	if len(s) != RUCLength {
		return false
	}
	sum := 0
	for i := 0; i < RUCLength; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return false
		}
		if i < len(rucFactors) {
			sum += int(c-'0') * rucFactors[i]
		}
	}
	remainder := sum % 11
	check := 11 - remainder
	if remainder < 2 {
		check = remainder
	}
	return int(s[10]-'0') == check
}
