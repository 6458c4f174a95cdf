package models

// Column names of the vehicle sales dataset.
const (
	ColVIN            = "vin"
	ColYear           = "year"
	ColMake           = "make"
	ColModel          = "model"
	ColTrim           = "trim"
	ColBody           = "body"
	ColTransmission   = "transmission"
	ColCondition      = "condition"
	ColColor          = "color"
	ColInterior       = "interior"
	ColState          = "state"
	ColSeller         = "seller"
	ColSellingPrice   = "sellingprice"
	ColEstMarketValue = "est_market_value"
	ColOdometer       = "odometer"
	ColCarAge         = "car_age"
)

// RawSchema lists the columns every raw sales dataset must carry, with the
// kind each is coerced to during cleaning. Additional input columns are
// passed through unchanged.
var RawSchema = []Column{
	{ColVIN, KindString},
	{ColYear, KindInt},
	{ColMake, KindString},
	{ColModel, KindString},
	{ColTrim, KindString},
	{ColBody, KindString},
	{ColTransmission, KindString},
	{ColCondition, KindString},
	{ColColor, KindString},
	{ColInterior, KindString},
	{ColState, KindString},
	{ColSeller, KindString},
	{ColSellingPrice, KindFloat},
	{ColEstMarketValue, KindFloat},
	{ColOdometer, KindFloat},
}

// DefaultRequiredFields are the categorical fields a cleaned row must have.
var DefaultRequiredFields = []string{ColMake, ColModel, ColTrim, ColBody, ColTransmission}

// RawKind returns the kind a raw column is coerced to, and whether the
// column is part of RawSchema.
func RawKind(name string) (Kind, bool) {
	for _, c := range RawSchema {
		if c.Name == name {
			return c.Kind, true
		}
	}
	return "", false
}
