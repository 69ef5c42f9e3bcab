package postgres

import (
	"database/sql"
	"fmt"
	"log"
)

// createTables creates the necessary database tables
func createTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			external_id BIGINT NOT NULL UNIQUE,
			display_handle VARCHAR(255),
			wallet_balance DECIMAL(12, 2) NOT NULL DEFAULT 0,
			strike_count INT NOT NULL DEFAULT 0,
			is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
			blocked_at TIMESTAMP,
			blocked_reason TEXT,
			approval_status VARCHAR(30) NOT NULL DEFAULT 'APPROVED',
			referrer_id BIGINT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_users_external_id ON users(external_id);`,

		`CREATE TABLE IF NOT EXISTS categories (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE
		);`,

		`CREATE TABLE IF NOT EXISTS subcategories (
			id BIGSERIAL PRIMARY KEY,
			category_id BIGINT NOT NULL REFERENCES categories(id),
			name VARCHAR(255) NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS items (
			id BIGSERIAL PRIMARY KEY,
			category_id BIGINT NOT NULL,
			subcategory_id BIGINT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price DECIMAL(12, 2) NOT NULL,
			is_physical BOOLEAN NOT NULL DEFAULT FALSE,
			shipping_cost DECIMAL(12, 2) NOT NULL DEFAULT 0,
			is_sold BOOLEAN NOT NULL DEFAULT FALSE,
			is_new BOOLEAN NOT NULL DEFAULT TRUE,
			private_data TEXT,
			order_id VARCHAR(255),
			reserved_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_items_subcategory ON items(subcategory_id, is_sold);
		CREATE INDEX IF NOT EXISTS idx_items_order_id ON items(order_id);`,

		`CREATE TABLE IF NOT EXISTS price_tiers (
			id BIGSERIAL PRIMARY KEY,
			subcategory_id BIGINT NOT NULL,
			min_quantity INT NOT NULL,
			unit_price DECIMAL(12, 2) NOT NULL,
			UNIQUE (subcategory_id, min_quantity)
		);`,

		`CREATE TABLE IF NOT EXISTS carts (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL UNIQUE REFERENCES users(id)
		);`,

		`CREATE TABLE IF NOT EXISTS cart_items (
			id BIGSERIAL PRIMARY KEY,
			cart_id BIGINT NOT NULL REFERENCES carts(id) ON DELETE CASCADE,
			category_id BIGINT NOT NULL,
			subcategory_id BIGINT NOT NULL,
			quantity INT NOT NULL,
			UNIQUE (cart_id, subcategory_id)
		);`,

		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(255) PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			status VARCHAR(50) NOT NULL,
			total_price DECIMAL(12, 2) NOT NULL,
			shipping_cost DECIMAL(12, 2) NOT NULL DEFAULT 0,
			currency VARCHAR(10) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMP NOT NULL,
			paid_at TIMESTAMP,
			shipped_at TIMESTAMP,
			cancelled_at TIMESTAMP,
			wallet_used DECIMAL(12, 2) NOT NULL DEFAULT 0,
			retry_count INT NOT NULL DEFAULT 0,
			cancellation_reason TEXT,
			items_snapshot JSONB,
			refund_breakdown JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_orders_user_id ON orders(user_id);
		CREATE INDEX IF NOT EXISTS idx_orders_status_expires ON orders(status, expires_at);`,

		`CREATE TABLE IF NOT EXISTS invoices (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(255) NOT NULL REFERENCES orders(id),
			invoice_number VARCHAR(20) NOT NULL UNIQUE,
			fiat_amount DECIMAL(12, 2) NOT NULL,
			fiat_currency VARCHAR(10) NOT NULL,
			crypto_currency VARCHAR(20) NOT NULL,
			payment_amount_crypto DECIMAL(40, 0) NOT NULL DEFAULT 0,
			payment_address VARCHAR(255) NOT NULL DEFAULT '',
			payment_processing_id BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMP NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		);
		CREATE INDEX IF NOT EXISTS idx_invoices_order_id ON invoices(order_id);
		CREATE INDEX IF NOT EXISTS idx_invoices_processing_id ON invoices(payment_processing_id);`,

		`CREATE TABLE IF NOT EXISTS payment_transactions (
			id BIGSERIAL PRIMARY KEY,
			invoice_id BIGINT NOT NULL REFERENCES invoices(id),
			order_id VARCHAR(255) NOT NULL,
			crypto_currency VARCHAR(20) NOT NULL,
			crypto_amount DECIMAL(40, 0) NOT NULL,
			fiat_amount DECIMAL(12, 2) NOT NULL,
			payment_address VARCHAR(255) NOT NULL DEFAULT '',
			transaction_hash VARCHAR(255),
			received_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			is_overpayment BOOLEAN NOT NULL DEFAULT FALSE,
			is_underpayment BOOLEAN NOT NULL DEFAULT FALSE,
			is_late_payment BOOLEAN NOT NULL DEFAULT FALSE,
			penalty_applied BOOLEAN NOT NULL DEFAULT FALSE,
			penalty_percent DECIMAL(6, 2) NOT NULL DEFAULT 0,
			wallet_credit_amount DECIMAL(12, 2) NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_payment_transactions_invoice ON payment_transactions(invoice_id);`,

		`CREATE TABLE IF NOT EXISTS top_up_requests (
			id BIGSERIAL PRIMARY KEY,
			processing_id BIGINT NOT NULL UNIQUE,
			user_id BIGINT NOT NULL REFERENCES users(id),
			message_ref BIGINT NOT NULL DEFAULT 0,
			is_paid BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMP NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS deposits (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			network VARCHAR(20) NOT NULL,
			amount_units DECIMAL(40, 0) NOT NULL,
			fiat_amount DECIMAL(12, 2) NOT NULL DEFAULT 0,
			deposited_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,

		`CREATE TABLE IF NOT EXISTS strikes (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			order_id VARCHAR(255) NOT NULL,
			strike_type VARCHAR(30) NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (order_id, strike_type)
		);
		CREATE INDEX IF NOT EXISTS idx_strikes_user_id ON strikes(user_id);`,

		`CREATE TABLE IF NOT EXISTS buys (
			id BIGSERIAL PRIMARY KEY,
			buyer_id BIGINT NOT NULL REFERENCES users(id),
			quantity INT NOT NULL,
			total_price DECIMAL(12, 2) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,

		`CREATE TABLE IF NOT EXISTS buy_items (
			id BIGSERIAL PRIMARY KEY,
			buy_id BIGINT NOT NULL REFERENCES buys(id),
			item_id BIGINT NOT NULL UNIQUE
		);`,

		`CREATE TABLE IF NOT EXISTS shipping_addresses (
			order_id VARCHAR(255) PRIMARY KEY REFERENCES orders(id),
			ciphertext BYTEA NOT NULL,
			encryption_mode VARCHAR(10) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	log.Println("Database tables created successfully")
	return nil
}
