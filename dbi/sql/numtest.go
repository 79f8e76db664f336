package sql

import (
	"context"
	"strconv"

	"github.com/codesmythe/gnucash/dbi"
)

// TestResult is the outcome of the large number round-trip test
type TestResult int

const (
	TestPass TestResult = iota
	TestFailSetup
	TestFailTest
)

func (r TestResult) String() string {
	switch r {
	case TestPass:
		return "pass"
	case TestFailSetup:
		return "setup failed"
	case TestFailTest:
		return "test failed"
	default:
		return "unknown"
	}
}

// Err converts a failed outcome into the error reported to the session opener
func (r TestResult) Err() error {
	switch r {
	case TestFailSetup:
		return dbi.NewError(dbi.KindNumericUntestable, "DBI library large number test incomplete")
	case TestFailTest:
		return dbi.NewError(dbi.KindNumericBroken, "DBI library fails large number test")
	}
	return nil
}

const (
	testInt64    int64   = -9223372036854775807
	testUint64   uint64  = 9223372036854775807
	testDouble   float64 = 1.7976921348623157e+307
	testDoubleEp float64 = 0.000001e307
)

// TestNumerics checks that the server and driver round-trip the extreme values of the
// integer and double columns used by the schema
func (c *Connection) TestNumerics(ctx context.Context) TestResult {
	if err := c.exec(ctx, "CREATE TEMPORARY TABLE numtest "+
		"( test_int BIGINT, test_unsigned BIGINT, test_double FLOAT8 )"); err != nil {
		c.logger.Warn("Test_DBI_Library: Create table failed")
		return TestFailSetup
	}
	defer func() {
		_ = c.exec(ctx, "DROP TABLE numtest")
	}()

	if err := c.exec(ctx, "INSERT INTO numtest VALUES (%d, %d, %s)",
		testInt64, testUint64, strconv.FormatFloat(testDouble, 'g', -1, 64)); err != nil {
		c.logger.Warn("Test_DBI_Library: Failed to insert test row into table")
		return TestFailSetup
	}

	res, err := c.ExecuteSelect(ctx, c.NewStatement("SELECT * FROM numtest"))
	if err != nil {
		c.logger.Warn("Test_DBI_Library: Failed to retrieve test row into table: %v", err)
		return TestFailSetup
	}

	var gotInt, gotUnsigned int64
	var gotDouble float64
	var errs []error
	for row := res.Begin(); !row.IsEnd(); row = res.Next() {
		var err error
		if gotInt, err = row.GetInt64("test_int"); err != nil {
			errs = append(errs, err)
		}
		if gotUnsigned, err = row.GetInt64("test_unsigned"); err != nil {
			errs = append(errs, err)
		}
		if gotDouble, err = row.GetDouble("test_double"); err != nil {
			errs = append(errs, err)
		}
	}
	if err = res.LastErr(); err != nil {
		errs = append(errs, err)
	}
	_ = res.Close()

	for _, err := range errs {
		c.logger.Warn("Test_DBI_Library: %v", err)
	}

	var result = TestPass
	if gotInt != testInt64 {
		c.logger.Warn("Test_DBI_Library: LongLong Failed %d != %d", testInt64, gotInt)
		result = TestFailTest
	}
	if gotUnsigned < 0 || uint64(gotUnsigned) != testUint64 {
		c.logger.Warn("Test_DBI_Library: Unsigned longlong Failed %d != %d", testUint64, gotUnsigned)
		result = TestFailTest
	}
	if testDouble >= gotDouble+testDoubleEp || testDouble <= gotDouble-testDoubleEp {
		c.logger.Warn("Test_DBI_Library: Double Failed %17e != %17e", testDouble, gotDouble)
		result = TestFailTest
	}
	return result
}
