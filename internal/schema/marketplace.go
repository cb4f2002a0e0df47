// Package schema declares the booking-marketplace table catalog and
// validates rows against declared tables.
package schema

import "github.com/lodgedb/lodgedb/pkg/types"

// Enumerated column values. These are closed variants validated at the row
// store boundary rather than free-form strings.
var (
	UserRoles      = []string{"guest", "host", "admin"}
	BookingStatus  = []string{"pending", "confirmed", "canceled"}
	PaymentMethods = []string{"credit_card", "paypal", "stripe"}
)

// Marketplace returns the six-table booking marketplace schema: users,
// properties, bookings, payments, reviews, and messages, with the declared
// foreign keys and check constraints.
//
// Review ratings are constrained to 1..5; role, status, and payment_method
// are enum-checked. Message sender and recipient are two independent foreign
// keys sharing the users table as target. Payment.booking_id carries no
// uniqueness constraint; callers wanting one payment per booking declare a
// unique index on it explicitly.
func Marketplace() []*types.Table {
	one, five := 1.0, 5.0

	return []*types.Table{
		{
			Name: "users",
			Columns: []types.Column{
				{Name: "user_id", Type: types.TypeInt},
				{Name: "first_name", Type: types.TypeText},
				{Name: "last_name", Type: types.TypeText},
				{Name: "email", Type: types.TypeText},
				{Name: "role", Type: types.TypeText},
				{Name: "created_at", Type: types.TypeTimestamp},
			},
			PrimaryKey: []string{"user_id"},
			EnumChecks: []types.EnumCheck{
				{Column: "role", Allowed: UserRoles},
			},
		},
		{
			Name: "properties",
			Columns: []types.Column{
				{Name: "property_id", Type: types.TypeInt},
				{Name: "host_id", Type: types.TypeInt},
				{Name: "name", Type: types.TypeText},
				{Name: "location", Type: types.TypeText},
				{Name: "price_per_night", Type: types.TypeFloat},
				{Name: "created_at", Type: types.TypeTimestamp},
			},
			PrimaryKey: []string{"property_id"},
			ForeignKeys: []types.ForeignKey{
				{Column: "host_id", RefTable: "users", RefColumn: "user_id", OnDelete: types.DeleteRestrict},
			},
		},
		{
			Name: "bookings",
			Columns: []types.Column{
				{Name: "booking_id", Type: types.TypeInt},
				{Name: "property_id", Type: types.TypeInt},
				{Name: "user_id", Type: types.TypeInt},
				{Name: "start_date", Type: types.TypeTimestamp},
				{Name: "end_date", Type: types.TypeTimestamp},
				{Name: "total_price", Type: types.TypeFloat},
				{Name: "status", Type: types.TypeText},
			},
			PrimaryKey: []string{"booking_id"},
			ForeignKeys: []types.ForeignKey{
				{Column: "property_id", RefTable: "properties", RefColumn: "property_id", OnDelete: types.DeleteRestrict},
				{Column: "user_id", RefTable: "users", RefColumn: "user_id", OnDelete: types.DeleteRestrict},
			},
			EnumChecks: []types.EnumCheck{
				{Column: "status", Allowed: BookingStatus},
			},
		},
		{
			Name: "payments",
			Columns: []types.Column{
				{Name: "payment_id", Type: types.TypeInt},
				{Name: "booking_id", Type: types.TypeInt},
				{Name: "amount", Type: types.TypeFloat},
				{Name: "payment_date", Type: types.TypeTimestamp},
				{Name: "payment_method", Type: types.TypeText},
			},
			PrimaryKey: []string{"payment_id"},
			ForeignKeys: []types.ForeignKey{
				{Column: "booking_id", RefTable: "bookings", RefColumn: "booking_id", OnDelete: types.DeleteCascade},
			},
			EnumChecks: []types.EnumCheck{
				{Column: "payment_method", Allowed: PaymentMethods},
			},
		},
		{
			Name: "reviews",
			Columns: []types.Column{
				{Name: "review_id", Type: types.TypeInt},
				{Name: "property_id", Type: types.TypeInt},
				{Name: "user_id", Type: types.TypeInt},
				{Name: "rating", Type: types.TypeInt},
				{Name: "comment", Type: types.TypeText, Nullable: true},
				{Name: "created_at", Type: types.TypeTimestamp},
			},
			PrimaryKey: []string{"review_id"},
			ForeignKeys: []types.ForeignKey{
				{Column: "property_id", RefTable: "properties", RefColumn: "property_id", OnDelete: types.DeleteRestrict},
				{Column: "user_id", RefTable: "users", RefColumn: "user_id", OnDelete: types.DeleteRestrict},
			},
			RangeChecks: []types.RangeCheck{
				{Column: "rating", Min: &one, Max: &five},
			},
		},
		{
			Name: "messages",
			Columns: []types.Column{
				{Name: "message_id", Type: types.TypeInt},
				{Name: "sender_id", Type: types.TypeInt},
				{Name: "recipient_id", Type: types.TypeInt},
				{Name: "message_body", Type: types.TypeText},
				{Name: "sent_at", Type: types.TypeTimestamp},
			},
			PrimaryKey: []string{"message_id"},
			ForeignKeys: []types.ForeignKey{
				{Column: "sender_id", RefTable: "users", RefColumn: "user_id", OnDelete: types.DeleteRestrict},
				{Column: "recipient_id", RefTable: "users", RefColumn: "user_id", OnDelete: types.DeleteRestrict},
			},
		},
	}
}
